// Package backend defines the Adapter contract every execution backend
// (langgraph, agno, crewai, n8n) implements, the Registry that owns the
// adapters, and the step tracking and work dispatch they share.
package backend
