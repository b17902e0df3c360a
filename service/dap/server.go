// Package dap implements a Debug Adapter Protocol server that drives a
// remote debugserver over the gdb-remote serial protocol and
// symbolicates against the local Mach-O binary and its dSYM.
package dap

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"

	"github.com/mdaiter/ios-lldb-dap/pkg/breakpoint"
	"github.com/mdaiter/ios-lldb-dap/pkg/config"
	"github.com/mdaiter/ios-lldb-dap/pkg/gdbserial"
	"github.com/mdaiter/ios-lldb-dap/pkg/logflags"
	"github.com/mdaiter/ios-lldb-dap/pkg/symbols"
)

// sessionState tracks where the session is in its lifecycle. Commands
// arriving in the wrong state get a StateConflict error response.
type sessionState uint8

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateLaunching
	stateRunning
	stateStopped
	stateTerminated
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case stateLaunching:
		return "launching"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("unknown state %d", uint8(s))
}

const defaultStackTraceDepth = 50

// Server serves one Debug Adapter Protocol session over a single
// connection (usually stdin/stdout of the adapter process).
type Server struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	log    *logrus.Entry

	// sendingMu guards writes to conn, the event goroutine and the
	// request loop both send messages.
	sendingMu sync.Mutex

	// mu guards everything below, shared with the event goroutine.
	mu       sync.Mutex
	state    sessionState
	lastStop *gdbserial.StopReply

	config        *config.LaunchConfig
	defaults      *config.LaunchConfig
	adapterConfig *config.Config

	module      *symbols.Module
	transport   *gdbserial.Transport
	breakpoints *breakpoint.Table
	remoteAddr  string

	stackFrameHandles *handlesMap
	variableHandles   *handlesMap

	// funcBps holds the ids of the current function breakpoints, each
	// setFunctionBreakpoints request replaces the whole set
	funcBps []int

	quit     chan struct{}
	quitOnce sync.Once
}

// NewServer creates a session served over conn. defaults, when not nil,
// fills launch configuration fields the client omits; adapterConfig is
// the user's configuration file.
func NewServer(conn io.ReadWriteCloser, defaults *config.LaunchConfig, adapterConfig *config.Config) *Server {
	transport := gdbserial.NewTransport()
	return &Server{
		conn:              conn,
		reader:            bufio.NewReader(conn),
		log:               logflags.DAPLogger(),
		defaults:          defaults,
		adapterConfig:     adapterConfig,
		transport:         transport,
		breakpoints:       breakpoint.NewTable(transport),
		stackFrameHandles: newHandlesMap(),
		variableHandles:   newHandlesMap(),
		quit:              make(chan struct{}),
	}
}

// Run reads and dispatches client requests until the client disconnects
// or the connection breaks.
func (s *Server) Run() {
	go s.consumeRemoteEvents()
	defer s.shutdown()

	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				// malformed request, complain and keep serving
				s.sendInternalErrorResponse(decodeErr.Seq, err.Error())
				continue
			}
			if err != io.EOF {
				s.log.Errorf("DAP error: %v", err)
			}
			return
		}
		if logflags.DAP() {
			jsonmsg, _ := json.Marshal(request)
			s.log.Debugf("[<- from client] %s", string(jsonmsg))
		}
		if !s.handleRequest(request) {
			return
		}
	}
}

func (s *Server) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.transport.Detach()
	s.conn.Close()
}

// handleRequest dispatches one client request. It reports false when
// the session is over.
func (s *Server) handleRequest(request dap.Message) bool {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchAttachRequest(request.Request, request.Arguments, "launch")
	case *dap.AttachRequest:
		s.onLaunchAttachRequest(request.Request, request.Arguments, "attach")
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// we have no exception filters, acknowledge and move on
		s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		s.onStepOutRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case *dap.CompletionsRequest:
		s.onCompletionsRequest(request)
	case *dap.RestartRequest:
		s.onRestartRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
		return false
	case *dap.PauseRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		r := request.(dap.RequestMessage).GetRequest()
		s.sendUnsupportedErrorResponse(*r)
	}
	return true
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	s.mu.Lock()
	if s.state != stateUninitialized {
		s.mu.Unlock()
		s.sendStateConflict(request.Request)
		return
	}
	s.state = stateInitialized
	s.mu.Unlock()

	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsRestartRequest = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsCompletionsRequest = true
	s.send(response)
}

func (s *Server) onLaunchAttachRequest(request dap.Request, arguments json.RawMessage, mode string) {
	s.mu.Lock()
	if s.state != stateInitialized {
		s.mu.Unlock()
		s.sendStateConflict(request)
		return
	}
	s.mu.Unlock()

	args, err := config.ParseLaunch(arguments)
	if err != nil {
		s.sendShowUserErrorResponse(request, FailedToLaunch, "Failed to "+mode, err.Error())
		return
	}
	mergeLaunchConfig(args, s.defaults)
	args.Request = mode
	if err := args.Validate(); err != nil {
		s.sendShowUserErrorResponse(request, FailedToLaunch, "Failed to "+mode, err.Error())
		return
	}

	s.mu.Lock()
	mod := s.module
	s.mu.Unlock()
	if mod == nil {
		program := args.Program
		if args.Cwd != "" && !filepath.IsAbs(program) {
			program = filepath.Join(args.Cwd, program)
		}
		opts := symbols.LoadOptions{
			DebugInfoPath: args.DebugInfoPath,
			Strict:        args.StrictSymbols,
		}
		if s.adapterConfig != nil {
			opts.DebugInfoDirectories = s.adapterConfig.DebugInfoDirectories
		}
		mod, err = symbols.Load(program, opts)
		if err != nil {
			s.sendShowUserErrorResponse(request, FailedToLaunch, "Failed to "+mode, err.Error())
			return
		}
	}

	if !mod.HasDebugInfo() {
		s.sendOutput("console", fmt.Sprintf("WARNING: no debug info found for %s; source breakpoints will stay pending\n", mod.Path))
	}

	s.mu.Lock()
	s.module = mod
	s.config = args
	s.state = stateLaunching
	if args.DebugserverPort > 0 {
		s.remoteAddr = fmt.Sprintf("127.0.0.1:%d", args.DebugserverPort)
	}
	addr := s.remoteAddr
	s.mu.Unlock()

	for _, bp := range s.breakpoints.SetLocator(mod) {
		s.sendBreakpointChanged(bp)
	}

	if addr != "" {
		go s.connectRemote(addr)
	}

	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	if mode == "attach" {
		s.send(&dap.AttachResponse{Response: *newResponse(request)})
	} else {
		s.send(&dap.LaunchResponse{Response: *newResponse(request)})
	}
}

// mergeLaunchConfig fills fields of args the client left empty from the
// environment-provided defaults.
func mergeLaunchConfig(args, defaults *config.LaunchConfig) {
	if defaults == nil {
		return
	}
	if args.Program == "" {
		args.Program = defaults.Program
	}
	if args.Cwd == "" {
		args.Cwd = defaults.Cwd
	}
	if args.DebugserverPort == 0 {
		args.DebugserverPort = defaults.DebugserverPort
	}
	if args.DebugInfoPath == "" {
		args.DebugInfoPath = defaults.DebugInfoPath
	}
	if !args.StrictSymbols {
		args.StrictSymbols = defaults.StrictSymbols
	}
	if !args.StopOnEntry {
		args.StopOnEntry = defaults.StopOnEntry
	}
	if args.StackTraceDepth == 0 {
		args.StackTraceDepth = defaults.StackTraceDepth
	}
}

// connectRemote dials the stub in the background. Commands issued
// before the connection is up queue inside the transport and are
// flushed, in order, once the handshake finishes.
func (s *Server) connectRemote(addr string) {
	sp, err := s.transport.Connect(addr)
	if err != nil {
		s.sendOutput("console", fmt.Sprintf("WARNING: could not connect to debugserver at %s: %v\n", addr, err))
		return
	}
	s.mu.Lock()
	s.lastStop = sp
	s.mu.Unlock()
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	if request.Arguments.Source.Path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "empty file path")
		return
	}
	path := request.Arguments.Source.Path

	// the request carries the complete new set for this file
	if err := s.breakpoints.ClearFile(path); err != nil {
		s.log.Warnf("clearing breakpoints in %s: %v", path, err)
	}

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		got, err := s.breakpoints.Set(path, want.Line)
		response.Body.Breakpoints[i] = dap.Breakpoint{
			Id:       got.ID,
			Line:     want.Line,
			Source:   &dap.Source{Name: filepath.Base(path), Path: path},
			Verified: got.State == breakpoint.Resolved,
		}
		switch {
		case err != nil:
			response.Body.Breakpoints[i].Message = err.Error()
		case got.State == breakpoint.Pending:
			response.Body.Breakpoints[i].Message = "pending"
		}
	}
	s.send(response)
}

// onSetFunctionBreakpointsRequest plants traps at function entry
// points. The request replaces the previous set, like setBreakpoints
// does per file.
func (s *Server) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	s.mu.Lock()
	previous := s.funcBps
	s.funcBps = nil
	mod := s.module
	s.mu.Unlock()
	for _, id := range previous {
		if err := s.breakpoints.Clear(id); err != nil {
			s.log.Warnf("clearing function breakpoint %d: %v", id, err)
		}
	}

	response := &dap.SetFunctionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	ids := make([]int, 0, len(request.Arguments.Breakpoints))
	for i, want := range request.Arguments.Breakpoints {
		var fn *symbols.Function
		if mod != nil {
			fn = mod.FindFunction(want.Name)
		}
		if fn == nil {
			response.Body.Breakpoints[i] = dap.Breakpoint{Message: fmt.Sprintf("unknown function %q", want.Name)}
			continue
		}
		got, err := s.breakpoints.SetAddress(mod.ToRemote(fn.Entry))
		response.Body.Breakpoints[i] = dap.Breakpoint{
			Id:       got.ID,
			Verified: got.State == breakpoint.Resolved,
		}
		if err != nil {
			response.Body.Breakpoints[i].Message = err.Error()
		}
		ids = append(ids, got.ID)
	}

	s.mu.Lock()
	s.funcBps = ids
	s.mu.Unlock()
	s.send(response)
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.mu.Lock()
	if s.state != stateLaunching {
		s.mu.Unlock()
		s.sendStateConflict(request.Request)
		return
	}
	cfg := s.config
	s.mu.Unlock()

	if cfg.DebugserverPort == 0 || cfg.StopOnEntry {
		// without a remote (or with stopOnEntry) the session starts out
		// stopped at the entry point
		s.setState(stateStopped)
		s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
		s.sendStopped("entry", "")
		return
	}

	s.setState(stateRunning)
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if err := s.transport.Resume(); err != nil {
		s.sendOutput("console", fmt.Sprintf("WARNING: could not resume target: %v\n", err))
	}
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	if !s.expectState(request.Request, stateStopped) {
		return
	}
	s.resetHandles()
	s.setState(stateRunning)
	if err := s.transport.Resume(); err != nil {
		s.setState(stateStopped)
		s.sendErrorResponse(request.Request, RemoteUnavailable, "Unable to continue", err.Error())
		return
	}
	response := &dap.ContinueResponse{Response: *newResponse(request.Request)}
	response.Body.AllThreadsContinued = true
	s.send(response)
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	s.step(request.Request, func() { s.send(&dap.NextResponse{Response: *newResponse(request.Request)}) })
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	s.step(request.Request, func() { s.send(&dap.StepInResponse{Response: *newResponse(request.Request)}) })
}

func (s *Server) onStepOutRequest(request *dap.StepOutRequest) {
	s.step(request.Request, func() { s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)}) })
}

// step implements all stepping granularities as a single-instruction
// step of the stopped thread; debugserver has no line-step primitive.
func (s *Server) step(request dap.Request, respond func()) {
	if !s.expectState(request, stateStopped) {
		return
	}
	s.mu.Lock()
	threadID := ""
	if s.lastStop != nil {
		threadID = s.lastStop.ThreadID
	}
	s.mu.Unlock()

	s.resetHandles()
	s.setState(stateRunning)
	if err := s.transport.Step(threadID); err != nil {
		s.setState(stateStopped)
		s.sendErrorResponse(request, RemoteUnavailable, "Unable to step", err.Error())
		return
	}
	respond()
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	s.mu.Lock()
	if s.state == stateUninitialized || s.state == stateTerminated {
		s.mu.Unlock()
		s.sendStateConflict(request.Request)
		return
	}
	id := 1
	if s.lastStop != nil {
		id = s.lastStop.NumericThreadID()
	}
	name := "Stub Thread"
	if s.config != nil && s.config.DebugserverPort > 0 {
		name = fmt.Sprintf("Stub Thread (%d)", s.config.DebugserverPort)
	}
	s.mu.Unlock()

	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	response.Body.Threads = []dap.Thread{{Id: id, Name: name}}
	s.send(response)
}

func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if !s.expectState(request.Request, stateStopped) {
		return
	}

	depth := request.Arguments.Levels
	if depth <= 0 {
		depth = s.stackTraceDepth()
	}
	frames := s.collectFrames(depth)

	response := &dap.StackTraceResponse{Response: *newResponse(request.Request)}
	response.Body.StackFrames = make([]dap.StackFrame, 0, len(frames))
	s.mu.Lock()
	for i, frame := range frames {
		id := s.stackFrameHandles.create(frame)
		response.Body.StackFrames = append(response.Body.StackFrames, frameToDAP(id, i, frame))
	}
	s.mu.Unlock()
	response.Body.TotalFrames = len(frames)
	s.send(response)
}

// scope values stored in variableHandles.
type localsScope struct{ frame stackFrame }
type registersScope struct{}

func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	if !s.expectState(request.Request, stateStopped) {
		return
	}

	s.mu.Lock()
	v, ok := s.stackFrameHandles.get(request.Arguments.FrameId)
	if !ok {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to list locals", fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	frame := v.(stackFrame)
	scopes := []dap.Scope{
		{Name: "Locals", VariablesReference: s.variableHandles.create(localsScope{frame})},
	}
	if s.lastStop != nil && len(s.lastStop.Registers) > 0 {
		scopes = append(scopes, dap.Scope{
			Name:               "Registers",
			VariablesReference: s.variableHandles.create(registersScope{}),
			PresentationHint:   "registers",
		})
	}
	s.mu.Unlock()

	response := &dap.ScopesResponse{Response: *newResponse(request.Request)}
	response.Body.Scopes = scopes
	s.send(response)
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	if !s.expectState(request.Request, stateStopped) {
		return
	}

	ref := request.Arguments.VariablesReference
	s.mu.Lock()
	v, ok := s.variableHandles.get(ref)
	sp := s.lastStop
	s.mu.Unlock()
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown variables reference %d", ref))
		return
	}

	response := &dap.VariablesResponse{Response: *newResponse(request.Request)}
	switch v.(type) {
	case localsScope:
		// placeholder locals until DWARF variable evaluation lands
		response.Body.Variables = []dap.Variable{
			{Name: "var", Value: fmt.Sprintf("value-%d", ref), Type: "string"},
			{Name: "counter", Value: "123", Type: "int"},
		}
	case registersScope:
		response.Body.Variables = registerVariables(sp)
	}
	s.send(response)
}

func registerVariables(sp *gdbserial.StopReply) []dap.Variable {
	if sp == nil {
		return nil
	}
	regnums := make([]int, 0, len(sp.Registers))
	for regnum := range sp.Registers {
		regnums = append(regnums, regnum)
	}
	sort.Ints(regnums)

	vars := make([]dap.Variable, 0, len(regnums))
	for _, regnum := range regnums {
		vars = append(vars, dap.Variable{
			Name:  registerName(regnum),
			Value: fmt.Sprintf("%#016x", sp.Registers[regnum]),
		})
	}
	return vars
}

func registerName(regnum int) string {
	switch regnum {
	case gdbserial.RegFP:
		return "fp"
	case gdbserial.RegLR:
		return "lr"
	case gdbserial.RegSP:
		return "sp"
	case gdbserial.RegPC:
		return "pc"
	}
	return fmt.Sprintf("x%d", regnum)
}

func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	if !s.expectState(request.Request, stateStopped) {
		return
	}
	expr := strings.TrimSpace(request.Arguments.Expression)

	if result, ok := s.evalRegister(expr); ok {
		response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
		response.Body.Result = result
		s.send(response)
		return
	}

	s.mu.Lock()
	mod := s.module
	s.mu.Unlock()
	if mod != nil {
		if fn := mod.FindFunction(expr); fn != nil {
			response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
			response.Body.Result = fmt.Sprintf("%s (%#x)", fn.Name, mod.ToRemote(fn.Entry))
			s.send(response)
			return
		}
	}

	s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", fmt.Sprintf("unsupported expression %q", expr))
}

// evalRegister handles $pc style register expressions.
func (s *Server) evalRegister(expr string) (string, bool) {
	name := strings.TrimPrefix(expr, "$")
	var regnum int
	switch name {
	case "pc":
		regnum = gdbserial.RegPC
	case "sp":
		regnum = gdbserial.RegSP
	case "fp":
		regnum = gdbserial.RegFP
	case "lr":
		regnum = gdbserial.RegLR
	default:
		return "", false
	}

	s.mu.Lock()
	sp := s.lastStop
	transport := s.transport
	s.mu.Unlock()
	if sp == nil {
		return "", false
	}
	if v, ok := sp.Registers[regnum]; ok {
		return fmt.Sprintf("%#x", v), true
	}
	// not expedited in the stop reply, ask the remote
	if transport != nil {
		if v, err := transport.ReadRegister(regnum); err == nil {
			return fmt.Sprintf("%#x", v), true
		}
	}
	return "", false
}

// onCompletionsRequest completes function names from the symbol index.
func (s *Server) onCompletionsRequest(request *dap.CompletionsRequest) {
	s.mu.Lock()
	mod := s.module
	s.mu.Unlock()

	response := &dap.CompletionsResponse{Response: *newResponse(request.Request)}
	response.Body.Targets = []dap.CompletionItem{}
	if mod != nil {
		prefix := strings.TrimSpace(request.Arguments.Text)
		for _, name := range mod.FuncsByPrefix(prefix) {
			response.Body.Targets = append(response.Body.Targets, dap.CompletionItem{
				Label: name,
				Type:  "function",
			})
		}
	}
	s.send(response)
}

func (s *Server) onRestartRequest(request *dap.RestartRequest) {
	s.mu.Lock()
	if s.state == stateUninitialized || s.state == stateInitialized {
		s.mu.Unlock()
		s.sendStateConflict(request.Request)
		return
	}
	cfg := s.config
	addr := s.remoteAddr
	s.lastStop = nil
	s.mu.Unlock()

	if err := s.transport.Detach(); err != nil {
		s.log.Warnf("detach before restart: %v", err)
	}
	s.resetHandles()

	// traps queue in the transport and are replayed after the reconnect
	if err := s.breakpoints.Reapply(); err != nil {
		s.sendErrorResponse(request.Request, FailedToRestart, "Failed to restart", err.Error())
		return
	}
	if addr != "" {
		go s.connectRemote(addr)
	}

	s.send(&dap.RestartResponse{Response: *newResponse(request.Request)})
	if cfg == nil || cfg.DebugserverPort == 0 || cfg.StopOnEntry {
		s.setState(stateStopped)
		s.sendStopped("entry", "")
		return
	}
	s.setState(stateRunning)
	if err := s.transport.Resume(); err != nil {
		s.sendOutput("console", fmt.Sprintf("WARNING: could not resume target: %v\n", err))
	}
}

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	if err := s.breakpoints.ClearAll(); err != nil {
		s.log.Warnf("clearing breakpoints on disconnect: %v", err)
	}

	s.mu.Lock()
	launched := s.config != nil && s.config.Request == "launch"
	s.state = stateTerminated
	s.mu.Unlock()

	var err error
	if launched && (request.Arguments == nil || !request.Arguments.SuspendDebuggee) {
		err = s.transport.Kill()
	} else {
		err = s.transport.Detach()
	}
	if err != nil {
		s.log.Warnf("disconnect: %v", err)
	}

	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

// consumeRemoteEvents drains stop replies, program output and errors
// published by the transport reader goroutine.
func (s *Server) consumeRemoteEvents() {
	for {
		select {
		case <-s.quit:
			return
		case ev := <-s.transport.Events():
			s.handleRemoteEvent(ev)
		}
	}
}

func (s *Server) handleRemoteEvent(ev gdbserial.Event) {
	switch {
	case ev.Output != "":
		e := &dap.OutputEvent{Event: *newEvent("output")}
		e.Body.Category = "stdout"
		e.Body.Output = ev.Output
		s.send(e)

	case ev.Err != nil:
		s.sendOutput("console", fmt.Sprintf("WARNING: remote connection failed: %v\n", ev.Err))

	case ev.Stop != nil:
		if ev.Stop.Exited {
			s.setState(stateTerminated)
			exited := &dap.ExitedEvent{Event: *newEvent("exited")}
			exited.Body.ExitCode = int(ev.Stop.ExitStatus)
			s.send(exited)
			s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
			return
		}

		s.mu.Lock()
		s.lastStop = ev.Stop
		s.state = stateStopped
		s.stackFrameHandles.reset()
		s.variableHandles.reset()
		s.mu.Unlock()

		reason, description := stopDescription(ev.Stop)
		s.sendStopped(reason, description)
	}
}

func stopDescription(sp *gdbserial.StopReply) (reason, description string) {
	switch reason = sp.StopReason(); reason {
	case "breakpoint":
		return reason, "Breakpoint hit"
	case "step":
		return reason, "Step completed"
	case "pause":
		return reason, "Paused"
	}
	return reason, fmt.Sprintf("Signal %d", sp.Signal)
}

func (s *Server) sendStopped(reason, description string) {
	s.mu.Lock()
	threadID := 1
	if s.lastStop != nil {
		threadID = s.lastStop.NumericThreadID()
	}
	s.mu.Unlock()

	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.Description = description
	e.Body.ThreadId = threadID
	e.Body.AllThreadsStopped = true
	s.send(e)
}

func (s *Server) sendBreakpointChanged(bp *breakpoint.Breakpoint) {
	e := &dap.BreakpointEvent{Event: *newEvent("breakpoint")}
	e.Body.Reason = "changed"
	e.Body.Breakpoint = dap.Breakpoint{
		Id:       bp.ID,
		Line:     bp.Line,
		Source:   &dap.Source{Name: filepath.Base(bp.File), Path: bp.File},
		Verified: bp.State == breakpoint.Resolved,
	}
	s.send(e)
}

func (s *Server) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// expectState sends a StateConflict error response unless the session
// is in the wanted state.
func (s *Server) expectState(request dap.Request, want sessionState) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != want {
		s.sendStateConflict(request)
		return false
	}
	return true
}

func (s *Server) sendStateConflict(request dap.Request) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	s.sendErrorResponse(request, StateConflict, "Invalid session state", fmt.Sprintf("%q is not allowed while %s", request.Command, state))
}

func (s *Server) resetHandles() {
	s.mu.Lock()
	s.stackFrameHandles.reset()
	s.variableHandles.reset()
	s.mu.Unlock()
}

func (s *Server) stackTraceDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config != nil && s.config.StackTraceDepth > 0 {
		return s.config.StackTraceDepth
	}
	if s.adapterConfig != nil && s.adapterConfig.MaxStackDepth != nil {
		return *s.adapterConfig.MaxStackDepth
	}
	return defaultStackTraceDepth
}

func (s *Server) send(message dap.Message) {
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if logflags.DAP() {
		jsonmsg, _ := json.Marshal(message)
		s.log.Debugf("[-> to client] %s", string(jsonmsg))
	}
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Debugf("sending message: %v", err)
	}
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0, // no sequence counting on outgoing messages
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func (s *Server) sendOutput(category, output string) {
	e := &dap.OutputEvent{Event: *newEvent("output")}
	e.Body.Category = category
	e.Body.Output = output
	s.send(e)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, false)
}

func (s *Server) sendShowUserErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, true)
}

func (s *Server) sendErrorResponseWithOpts(request dap.Request, id int, summary, details string, showUser bool) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: showUser,
	}
	s.log.Debug(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse is used when a request cannot even be
// decoded fully.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{Id: InternalError, Format: fmt.Sprintf("%s: %s", er.Message, details)}
	s.log.Debug(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command", fmt.Sprintf("cannot process %q request", request.Command))
}
