package mcp

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// ProtocolVersion is an MCP protocol revision. Revisions are dated (YYYY-MM-DD), so their
// lexical order is their chronological order.
type ProtocolVersion string

// Known protocol revisions, oldest first.
const (
	ProtocolVersion20241105 ProtocolVersion = "2024-11-05"
	ProtocolVersion20250326 ProtocolVersion = "2025-03-26"
	ProtocolVersion20250618 ProtocolVersion = "2025-06-18"

	// LatestProtocolVersion is the preferred revision when none is configured.
	LatestProtocolVersion = ProtocolVersion20250618
)

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Completions  *CompletionsCapability `json:"completions,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots        *RootsCapability       `json:"roots,omitempty"`
	Sampling     *SamplingCapability    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// CompletionsCapability represents argument completion capabilities.
type CompletionsCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// ElicitationCapability represents elicitation-specific capabilities.
type ElicitationCapability struct{}

// ProgressToken associates progress notifications with the request that opted into them.
// The engine uses the request's correlation id as its token.
type ProgressToken = RequestID

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken identifies the operation this progress update relates to.
	ProgressToken ProgressToken `json:"progressToken"`
	// Progress represents the current progress value.
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	// When non-zero, completion percentage can be calculated as (Progress/Total)*100
	Total float64 `json:"total,omitempty"`
	// Message optionally describes the current step.
	Message string `json:"message,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters under
// the "_meta" key. It is used to opt into progress tracking for long-running operations.
type ParamsMeta struct {
	ProgressToken *ProgressToken `json:"progressToken,omitempty"`
}

// CancelledParams are the params of a notifications/cancelled message.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// InitializeParams are sent by the client in the initialize request.
type InitializeParams struct {
	ProtocolVersion ProtocolVersion    `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
	// SupportedProtocolVersions lists every revision the client accepts. Peers that do not
	// send it are treated as accepting only ProtocolVersion.
	SupportedProtocolVersions []ProtocolVersion `json:"supportedProtocolVersions,omitempty"`
}

// InitializeResult is returned by the server for the initialize request.
type InitializeResult struct {
	ProtocolVersion ProtocolVersion    `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type versionMismatchData struct {
	Supported []ProtocolVersion `json:"supported"`
	Requested ProtocolVersion   `json:"requested"`
}

// Well-known method names.
const (
	// MethodPing is answered by every engine with an empty result.
	MethodPing = "ping"
	// MethodInitialize starts the handshake.
	MethodInitialize = "initialize"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"
	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"
	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for creating a new sampling message.
	MethodSamplingCreateMessage = "sampling/createMessage"
	// MethodCompletionComplete is the method name for requesting completion suggestions.
	MethodCompletionComplete = "completion/complete"
	// MethodLoggingSetLevel is the method name for setting the minimum log level.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodNotificationsInitialized completes the handshake.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled asks the peer to abandon an in-flight request.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsProgress carries ProgressParams.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsMessage carries a log message.
	MethodNotificationsMessage = "notifications/message"
)

// SupportedProtocolVersions returns every known protocol revision, oldest first.
func SupportedProtocolVersions() []ProtocolVersion {
	return []ProtocolVersion{
		ProtocolVersion20241105,
		ProtocolVersion20250326,
		ProtocolVersion20250618,
	}
}

// Known reports whether v is one of the revisions this package knows.
func (v ProtocolVersion) Known() bool {
	return slices.Contains(SupportedProtocolVersions(), v)
}

// NegotiateProtocolVersion picks the highest revision present in both offered and
// supported. It fails with ErrUnsupportedProtocolVersion if the sets are disjoint.
func NegotiateProtocolVersion(offered, supported []ProtocolVersion) (ProtocolVersion, error) {
	var best ProtocolVersion
	for _, v := range offered {
		if v == "" || !slices.Contains(supported, v) {
			continue
		}
		if v > best {
			best = v
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: offered %v, supported %v", ErrUnsupportedProtocolVersion, offered, supported)
	}
	return best, nil
}

// offeredVersions returns the revisions a client accepts according to its initialize params.
func (p InitializeParams) offeredVersions() []ProtocolVersion {
	offered := slices.Clone(p.SupportedProtocolVersions)
	if p.ProtocolVersion != "" && !slices.Contains(offered, p.ProtocolVersion) {
		offered = append(offered, p.ProtocolVersion)
	}
	return offered
}

// Names returns the capability names the client declared, sorted. Experimental capabilities
// are reported as "experimental/<name>".
func (c ClientCapabilities) Names() []string {
	var names []string
	if c.Roots != nil {
		names = append(names, "roots")
		if c.Roots.ListChanged {
			names = append(names, "roots.listChanged")
		}
	}
	if c.Sampling != nil {
		names = append(names, "sampling")
	}
	if c.Elicitation != nil {
		names = append(names, "elicitation")
	}
	names = append(names, experimentalNames(c.Experimental)...)
	sort.Strings(names)
	return names
}

// Supports reports whether the client declared the named capability.
func (c ClientCapabilities) Supports(name string) bool {
	return slices.Contains(c.Names(), name)
}

// Names returns the capability names the server declared, sorted. Experimental capabilities
// are reported as "experimental/<name>".
func (c ServerCapabilities) Names() []string {
	var names []string
	if c.Prompts != nil {
		names = append(names, "prompts")
		if c.Prompts.ListChanged {
			names = append(names, "prompts.listChanged")
		}
	}
	if c.Resources != nil {
		names = append(names, "resources")
		if c.Resources.Subscribe {
			names = append(names, "resources.subscribe")
		}
		if c.Resources.ListChanged {
			names = append(names, "resources.listChanged")
		}
	}
	if c.Tools != nil {
		names = append(names, "tools")
		if c.Tools.ListChanged {
			names = append(names, "tools.listChanged")
		}
	}
	if c.Logging != nil {
		names = append(names, "logging")
	}
	if c.Completions != nil {
		names = append(names, "completions")
	}
	names = append(names, experimentalNames(c.Experimental)...)
	sort.Strings(names)
	return names
}

// Supports reports whether the server declared the named capability.
func (c ServerCapabilities) Supports(name string) bool {
	return slices.Contains(c.Names(), name)
}

func experimentalNames(exp map[string]any) []string {
	names := make([]string, 0, len(exp))
	for k := range exp {
		names = append(names, "experimental/"+k)
	}
	return names
}

// progressTokenFromParams extracts params._meta.progressToken, if present.
func progressTokenFromParams(params json.RawMessage) (ProgressToken, bool) {
	if len(params) == 0 {
		return ProgressToken{}, false
	}
	var p struct {
		Meta *ParamsMeta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ProgressToken{}, false
	}
	if p.Meta == nil || p.Meta.ProgressToken == nil {
		return ProgressToken{}, false
	}
	return *p.Meta.ProgressToken, true
}

// withProgressToken sets params._meta.progressToken. Params must be a JSON object or empty.
func withProgressToken(params json.RawMessage, token ProgressToken) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("progress requires object params: %w", err)
		}
		if obj == nil {
			obj = map[string]json.RawMessage{}
		}
	}
	meta := map[string]json.RawMessage{}
	if raw, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("invalid _meta in params: %w", err)
		}
		if meta == nil {
			meta = map[string]json.RawMessage{}
		}
	}
	tokenBs, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tokenBs
	metaBs, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaBs
	return json.Marshal(obj)
}
