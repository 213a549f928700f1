// Package everything implements a demo tool server on top of the mcp engine. It serves
// tools/list and tools/call for a handful of tools that exercise typed params, progress
// notifications and server-to-client requests.
package everything

import (
	"github.com/MegaGrindStone/go-mcp-engine"
)

// Registrar is where the tool handlers are registered, e.g. an *mcp.Server.
type Registrar interface {
	HandleRequest(method string, handler mcp.RequestHandler)
}

// Capabilities are the server capabilities matching the registered handlers.
var Capabilities = mcp.ServerCapabilities{
	Tools: &mcp.ToolsCapability{},
}

// Register registers the tools/list and tools/call handlers on r.
func Register(r Registrar) {
	tools := newToolSet()
	r.HandleRequest(mcp.MethodToolsList, mcp.HandleRequest(tools.list))
	r.HandleRequest(mcp.MethodToolsCall, mcp.HandleRequest(tools.call))
}
