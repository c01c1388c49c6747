// Package api exposes the REST management surface: plugin lifecycle
// operations, tool discovery for AI models, tool execution, and health and
// metrics summaries. Authentication is delegated to the auth middleware.
package api
