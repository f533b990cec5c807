// Package mcp holds the wire types of the agent-tool protocol spoken over
// the streaming session transport: the initialize handshake, capability
// advertisements, and the protocol version allow-list.
package mcp

import "encoding/json"

// Protocol versions this server accepts, newest last.
const (
	ProtocolVersion20241105 = "2024-11-05"
	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20250618 = "2025-06-18"
)

// LatestProtocolVersion is the newest version of the protocol this server
// speaks.
const LatestProtocolVersion = ProtocolVersion20250618

// DefaultProtocolVersion is assumed when a request omits the protocol
// version header. Pinned below latest because pre-2025-06-18 clients are the
// ones that omit the header.
const DefaultProtocolVersion = ProtocolVersion20250326

// SupportedProtocolVersions is the fixed allow-list checked on every
// transport request.
var SupportedProtocolVersions = []string{
	ProtocolVersion20241105,
	ProtocolVersion20250326,
	ProtocolVersion20250618,
}

// IsSupportedProtocolVersion reports membership in the allow-list.
func IsSupportedProtocolVersion(version string) bool {
	for _, v := range SupportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// NegotiateProtocolVersion picks the version for a session given the
// client's requested version: the request is honored when supported,
// otherwise the server answers with its latest.
func NegotiateProtocolVersion(requested string) string {
	if IsSupportedProtocolVersion(requested) {
		return requested
	}
	return LatestProtocolVersion
}

// Method names dispatched over the transport.
const (
	MethodInitialize                 = "initialize"
	MethodPing                       = "ping"
	NotificationInitialized          = "notifications/initialized"
	MethodToolsList                  = "tools/list"
	MethodToolsCall                  = "tools/call"
	MethodResourcesList              = "resources/list"
	MethodResourcesRead              = "resources/read"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
)

// ImplementationInfo describes an implementation's name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises client features. Opaque to this server; it
// is echoed into session bookkeeping, not interpreted.
type ClientCapabilities struct {
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
	Roots        *RootsCapability           `json:"roots,omitempty"`
}

type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools     *ToolsServerCapability     `json:"tools,omitempty"`
	Resources *ResourcesServerCapability `json:"resources,omitempty"`
}

type ToolsServerCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesServerCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeRequest starts the initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns the negotiated version and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the tools/call params payload.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the resources/list response.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceRequest is the resources/read params payload.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ResourceContents is one returned representation of a resource.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ReadResourceResult is the resources/read response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}
