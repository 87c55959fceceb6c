// Package auth tracks the dashboard's push-channel credential.
//
// The Gate holds the current opaque token and decides what the
// connection layer must do when the credential changes. It performs
// no I/O itself; the Connection Manager executes the returned action.
package auth

// Action tells the Connection Manager how to react to a token change.
type Action int

const (
	// ActionNone means the credential is unchanged; do nothing.
	ActionNone Action = iota

	// ActionConnect means a usable credential appeared; open a connection.
	ActionConnect

	// ActionReconnect means the credential changed under a live
	// connection; tear it down and dial again with the new token.
	ActionReconnect

	// ActionDisconnect means the credential was cleared; close the
	// connection and stay idle.
	ActionDisconnect
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionConnect:
		return "connect"
	case ActionReconnect:
		return "reconnect"
	case ActionDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Gate holds the current auth token. The empty string means no
// credential. Gate is not safe for concurrent use; it is owned by the
// Connection Manager's run loop.
type Gate struct {
	token string
}

// NewGate returns a Gate with no credential.
func NewGate() *Gate {
	return &Gate{}
}

// Token returns the current token ("" if none).
func (g *Gate) Token() string {
	return g.token
}

// Set stores the next token and returns the action the connection
// layer must take. connected reports whether a socket is currently
// live with the previous token.
//
//	"" → token        connect
//	token → ""        disconnect
//	tokenA → tokenB   reconnect if connected, connect otherwise
//	tokenA → tokenA   none
func (g *Gate) Set(next string, connected bool) Action {
	prev := g.token
	g.token = next

	switch {
	case prev == next:
		return ActionNone
	case prev == "" && next != "":
		return ActionConnect
	case prev != "" && next == "":
		return ActionDisconnect
	case connected:
		return ActionReconnect
	default:
		return ActionConnect
	}
}

// Clear drops the credential without reporting an action. Used during
// teardown when no connection decision is needed.
func (g *Gate) Clear() {
	g.token = ""
}
