package protocol

import "fmt"

// ControlChannel is the channel id reserved for session-level commands
// (channel open/close, heartbeats, port notifications).
const ControlChannel int32 = 0

// Command is one frame on the wire: a body addressed to a channel.
type Command struct {
	Channel int32
	Ref     string // correlates OpenChan/OpenChanRes and CloseChan/CloseChanRes
	Body    Body
}

// Body is implemented by exactly one concrete type per command. The set is
// closed; the client-side dispatchers (session and bridges) list every
// variant, so a new one has to be placed at each of them.
type Body interface {
	isBody()
}

// Input carries raw terminal input from client to backend.
type Input struct {
	Data string
}

// Output carries terminal output from backend to client.
type Output struct {
	Data string
}

// ResizeTerm tells the backend the client terminal size.
type ResizeTerm struct {
	Cols uint32
	Rows uint32
}

// State reports the backend's run state.
type State struct {
	State RunState
}

// PortOpen is pushed on the control channel when the workspace starts
// listening on a port.
type PortOpen struct {
	Forwarded bool
	Port      uint32
	Address   string
}

// RunMain asks the backend to run the workspace's main entry point.
type RunMain struct{}

// OpenChan requests a channel by service and name.
type OpenChan struct {
	Service string
	Name    string
	Action  OpenAction
}

// OpenChanRes answers an OpenChan with the assigned channel id.
type OpenChanRes struct {
	ID    int32
	State OpenState
	Error string
}

// CloseChan asks the backend to close a channel.
type CloseChan struct {
	ID     int32
	Action CloseAction
}

// CloseChanRes confirms a channel close.
type CloseChanRes struct {
	ID     int32
	Status CloseStatus
}

// Ping and Pong are control-channel heartbeats.
type Ping struct{}
type Pong struct{}

// Error is a backend-reported error on a channel.
type Error struct {
	Message string
}

func (Input) isBody()        {}
func (Output) isBody()       {}
func (ResizeTerm) isBody()   {}
func (State) isBody()        {}
func (PortOpen) isBody()     {}
func (RunMain) isBody()      {}
func (OpenChan) isBody()     {}
func (OpenChanRes) isBody()  {}
func (CloseChan) isBody()    {}
func (CloseChanRes) isBody() {}
func (Ping) isBody()         {}
func (Pong) isBody()         {}
func (Error) isBody()        {}

// RunState is the coarse execution state reported through State commands.
type RunState int32

const (
	Stopped RunState = 0
	Running RunState = 1
)

func (s RunState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// OpenAction controls how the backend treats an OpenChan for a name that
// may already exist.
type OpenAction int32

const (
	Create         OpenAction = 0
	Attach         OpenAction = 1
	AttachOrCreate OpenAction = 2
)

// OpenState is the outcome of an OpenChan.
type OpenState int32

const (
	OpenCreated  OpenState = 0
	OpenAttached OpenState = 1
	OpenError    OpenState = 2
)

// CloseAction tells the backend what to do with the channel's resources.
type CloseAction int32

const (
	CloseDisconnect CloseAction = 0
	CloseTryClose   CloseAction = 1
	CloseForceClose CloseAction = 2
)

// CloseStatus is the outcome of a CloseChan.
type CloseStatus int32

const (
	CloseDisconnected CloseStatus = 0
	CloseClosed       CloseStatus = 1
	CloseNotFound     CloseStatus = 2
)

// Kind returns a short name for the body variant, for logging.
func Kind(b Body) string {
	switch b.(type) {
	case Input:
		return "input"
	case Output:
		return "output"
	case ResizeTerm:
		return "resizeTerm"
	case State:
		return "state"
	case PortOpen:
		return "portOpen"
	case RunMain:
		return "runMain"
	case OpenChan:
		return "openChan"
	case OpenChanRes:
		return "openChanRes"
	case CloseChan:
		return "closeChan"
	case CloseChanRes:
		return "closeChanRes"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Error:
		return "error"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", b)
	}
}
