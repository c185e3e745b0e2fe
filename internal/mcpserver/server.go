package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go2tv.app/cast-router/internal/domain"
	"go2tv.app/cast-router/internal/metrics"
)

const (
	defaultDiscoveryTimeoutMS = 5000
	minDiscoveryTimeoutMS     = 100
)

type SinkLister interface {
	ListSinks(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Sink, error)
	SinksForSource(ctx context.Context, sourceID string) ([]domain.Sink, error)
}

type RouteController interface {
	CreateRoute(ctx context.Context, req domain.CreateRouteRequest) (*domain.RouteResult, error)
	JoinRoute(ctx context.Context, req domain.JoinRouteRequest) (*domain.RouteResult, error)
	CloseRoute(ctx context.Context, routeID string) (*domain.RouteActionResult, error)
	DetachRoute(ctx context.Context, routeID string) (*domain.RouteActionResult, error)
	SendClientMessage(ctx context.Context, routeID, message string) (*domain.RouteActionResult, error)
	PollClientMessages(ctx context.Context, routeID string) (*domain.ClientMessages, error)
	ListRoutes(ctx context.Context) (*domain.RouteList, error)
}

type Server struct {
	in                *bufio.Reader
	out               *bufio.Writer
	serverName        string
	serverVersion     string
	logger            *slog.Logger
	metrics           *metrics.Metrics
	useJSONLineOutput bool
	outputModeLocked  bool
	tools             []tool
	sinks             SinkLister
	routes            RouteController
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Sinks         SinkLister
	Routes        RouteController
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "cast-router"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	return &Server{
		in:            bufio.NewReader(in),
		out:           bufio.NewWriter(out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tools:         staticTools(),
		sinks:         cfg.Sinks,
		routes:        cfg.Routes,
	}
}

func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		payload, jsonLineInput, err := readMessage(s.in)
		if err != nil {
			if err == io.EOF {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		if !s.outputModeLocked {
			s.useJSONLineOutput = jsonLineInput
			s.outputModeLocked = true
			s.logLifecycle(
				slog.LevelDebug,
				"mcp_output_mode",
				slog.String("mode", map[bool]string{true: "jsonline", false: "framed"}[jsonLineInput]),
			)
		}
		s.logLifecycle(slog.LevelDebug, "mcp_message_received", slog.Int("bytes", len(payload)))

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", "", startedAt, "-32700")
		return s.send(errorResponse(nil, codeParseError, "parse error"))
	}

	// Notifications carry no id and get no response.
	if len(req.ID) == 0 {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		s.logCall(req.Method, "", startedAt, "-32600")
		return s.send(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
	}

	switch req.Method {
	case "initialize":
		s.logCall("initialize", "", startedAt, "")
		return s.send(resultResponse(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo: map[string]string{
				"name":    s.serverName,
				"version": s.serverVersion,
			},
			Instructions: "Call list_sinks, then create_route or join_route. Exchange client protocol messages with send_client_message and poll_client_messages.",
		}))
	case "ping":
		s.logCall("ping", "", startedAt, "")
		return s.send(resultResponse(req.ID, map[string]any{}))
	case "tools/list":
		s.logCall("tools/list", "", startedAt, "")
		return s.send(resultResponse(req.ID, toolsListResult{Tools: s.tools}))
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, "", startedAt, "-32601")
		return s.send(errorResponse(req.ID, codeMethodNotFound, "method not found"))
	}
}

type toolHandler func(ctx context.Context, args json.RawMessage) (result toolCallResult, routeID string, err error)

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	var handler toolHandler
	needsRoutes := true
	switch params.Name {
	case "list_sinks":
		handler, needsRoutes = s.listSinks, false
	case "create_route":
		handler = s.createRoute
	case "join_route":
		handler = s.joinRoute
	case "close_route":
		handler = s.closeRoute
	case "detach_route":
		handler = s.detachRoute
	case "send_client_message":
		handler = s.sendClientMessage
	case "poll_client_messages":
		handler = s.pollClientMessages
	case "list_routes":
		handler = s.listRoutes
	default:
		s.logCall(params.Name, "", startedAt, "TOOL_NOT_FOUND")
		s.metrics.ToolExecDone(params.Name, startedAt, "not_found")
		return s.send(resultResponse(id, toolErrorResult("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool: %s", params.Name))))
	}

	if (needsRoutes && s.routes == nil) || (!needsRoutes && s.sinks == nil) {
		s.metrics.ToolExecDone(params.Name, startedAt, "error")
		return s.sendToolInternalError(params.Name, startedAt, id, "route manager is not configured")
	}

	result, routeID, err := handler(ctx, params.Arguments)
	var invalid *invalidParamsError
	switch {
	case errors.As(err, &invalid):
		s.metrics.ToolExecDone(params.Name, startedAt, "invalid_params")
		return s.sendInvalidParams(params.Name, routeID, startedAt, id)
	case err != nil:
		s.logCall(params.Name, routeID, startedAt, toolErrorCode(err))
		s.metrics.ToolExecDone(params.Name, startedAt, "error")
		return s.send(resultResponse(id, toolErrorResultFromError(err)))
	}
	s.logCall(params.Name, routeID, startedAt, "")
	s.metrics.ToolExecDone(params.Name, startedAt, "success")
	return s.send(resultResponse(id, result))
}

type invalidParamsError struct {
	reason string
}

func (e *invalidParamsError) Error() string { return "invalid params: " + e.reason }

func invalidParams(reason string) error {
	return &invalidParamsError{reason: reason}
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, fmt.Errorf("missing tool name")
	}

	// Some clients put the arguments next to the tool name.
	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}

	if len(bytes.TrimSpace(arguments)) == 0 || string(bytes.TrimSpace(arguments)) == "null" {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{Name: name, Arguments: arguments}, nil
}

func (s *Server) listSinks(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	var args struct {
		TimeoutMS          *int   `json:"timeout_ms,omitempty"`
		IncludeUnreachable *bool  `json:"include_unreachable,omitempty"`
		SourceID           string `json:"source_id,omitempty"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolCallResult{}, "", invalidParams(err.Error())
	}

	timeoutMS := defaultDiscoveryTimeoutMS
	if args.TimeoutMS != nil {
		if *args.TimeoutMS < minDiscoveryTimeoutMS {
			return toolCallResult{}, "", invalidParams("timeout_ms below minimum")
		}
		timeoutMS = *args.TimeoutMS
	}
	includeUnreachable := args.IncludeUnreachable != nil && *args.IncludeUnreachable
	sourceID := strings.TrimSpace(args.SourceID)
	s.logLifecycle(
		slog.LevelDebug,
		"list_sinks_request",
		slog.Int("timeout_ms", timeoutMS),
		slog.Bool("include_unreachable", includeUnreachable),
		slog.String("source_id", sourceID),
	)

	var (
		sinks []domain.Sink
		err   error
	)
	if sourceID != "" {
		sinks, err = s.sinks.SinksForSource(ctx, sourceID)
	} else {
		sinks, err = s.sinks.ListSinks(ctx, timeoutMS, includeUnreachable)
	}
	if err != nil {
		return toolCallResult{}, "", err
	}

	summary := fmt.Sprintf("Discovered %d sink(s).", len(sinks))
	if len(sinks) > 0 {
		summary += "\n" + formatSinks(sinks)
	}
	return textResult(summary, map[string]any{
		"count": len(sinks),
		"sinks": sinks,
	}), "", nil
}

func (s *Server) createRoute(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	var args domain.CreateRouteRequest
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolCallResult{}, "", invalidParams(err.Error())
	}
	if strings.TrimSpace(args.SourceID) == "" || strings.TrimSpace(args.SinkID) == "" {
		return toolCallResult{}, "", invalidParams("source_id and sink_id are required")
	}

	result, err := s.routes.CreateRoute(ctx, args)
	if err != nil {
		return toolCallResult{}, "", err
	}
	return textResult(fmt.Sprintf("Route %s created on sink %s.", result.RouteID, result.SinkID), result), result.RouteID, nil
}

func (s *Server) joinRoute(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	var args domain.JoinRouteRequest
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolCallResult{}, "", invalidParams(err.Error())
	}
	if strings.TrimSpace(args.SourceID) == "" || strings.TrimSpace(args.PresentationID) == "" {
		return toolCallResult{}, "", invalidParams("source_id and presentation_id are required")
	}

	result, err := s.routes.JoinRoute(ctx, args)
	if err != nil {
		return toolCallResult{}, "", err
	}
	return textResult(fmt.Sprintf("Route %s joined the session on sink %s.", result.RouteID, result.SinkID), result), result.RouteID, nil
}

func (s *Server) closeRoute(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	routeID, err := decodeRouteID(rawArgs)
	if err != nil {
		return toolCallResult{}, "", err
	}
	result, err := s.routes.CloseRoute(ctx, routeID)
	if err != nil {
		return toolCallResult{}, routeID, err
	}
	return textResult(fmt.Sprintf("Route %s closed.", routeID), result), routeID, nil
}

func (s *Server) detachRoute(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	routeID, err := decodeRouteID(rawArgs)
	if err != nil {
		return toolCallResult{}, "", err
	}
	result, err := s.routes.DetachRoute(ctx, routeID)
	if err != nil {
		return toolCallResult{}, routeID, err
	}
	return textResult(fmt.Sprintf("Route %s detached.", routeID), result), routeID, nil
}

func (s *Server) sendClientMessage(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	var args struct {
		RouteID string          `json:"route_id"`
		Message json.RawMessage `json:"message"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolCallResult{}, "", invalidParams(err.Error())
	}
	routeID := strings.TrimSpace(args.RouteID)
	if routeID == "" || len(bytes.TrimSpace(args.Message)) == 0 {
		return toolCallResult{}, routeID, invalidParams("route_id and message are required")
	}

	// The message may be given as a JSON object or as a string holding one.
	message := string(args.Message)
	var asString string
	if err := json.Unmarshal(args.Message, &asString); err == nil {
		message = asString
	}

	result, err := s.routes.SendClientMessage(ctx, routeID, message)
	if err != nil {
		return toolCallResult{}, routeID, err
	}
	return textResult(fmt.Sprintf("Message delivered to route %s.", routeID), result), routeID, nil
}

func (s *Server) pollClientMessages(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	routeID, err := decodeRouteID(rawArgs)
	if err != nil {
		return toolCallResult{}, "", err
	}
	drained, err := s.routes.PollClientMessages(ctx, routeID)
	if err != nil {
		return toolCallResult{}, routeID, err
	}

	summary := fmt.Sprintf("%d message(s) for route %s.", len(drained.Messages), routeID)
	if drained.Dropped > 0 {
		summary += fmt.Sprintf(" %d older message(s) were dropped.", drained.Dropped)
	}
	if drained.Closed {
		summary += " The route is closed."
	}
	return textResult(summary, drained), routeID, nil
}

func (s *Server) listRoutes(ctx context.Context, rawArgs json.RawMessage) (toolCallResult, string, error) {
	var args struct{}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolCallResult{}, "", invalidParams(err.Error())
	}
	list, err := s.routes.ListRoutes(ctx)
	if err != nil {
		return toolCallResult{}, "", err
	}

	summary := fmt.Sprintf("%d route(s).", len(list.Routes))
	if list.Session != nil {
		summary += fmt.Sprintf(" Session %s on sink %s is %s.", list.Session.SessionID, list.Session.SinkID, list.Session.State)
	}
	return textResult(summary, list), "", nil
}

func decodeRouteID(rawArgs json.RawMessage) (string, error) {
	var args struct {
		RouteID string `json:"route_id"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return "", invalidParams(err.Error())
	}
	routeID := strings.TrimSpace(args.RouteID)
	if routeID == "" {
		return "", invalidParams("route_id is required")
	}
	return routeID, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != io.EOF {
		return fmt.Errorf("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendInvalidParams(method, routeID string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, routeID, startedAt, "-32602")
	return s.send(errorResponse(id, codeInvalidParams, "invalid params"))
}

func (s *Server) sendToolInternalError(method string, startedAt time.Time, id json.RawMessage, message string) error {
	s.logCall(method, "", startedAt, "INTERNAL_ERROR")
	return s.send(resultResponse(id, toolErrorResult("INTERNAL_ERROR", message)))
}

func toolErrorResult(code, message string) toolCallResult {
	return toolCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		StructuredContent: map[string]any{
			"error": map[string]any{
				"code":    code,
				"message": message,
			},
		},
		IsError: true,
	}
}

func toolErrorResultFromError(err error) toolCallResult {
	var tErr *domain.ToolError
	if !errors.As(err, &tErr) || tErr == nil {
		return toolErrorResult("INTERNAL_ERROR", err.Error())
	}

	result := toolErrorResult(tErr.Code, tErr.Message)
	errObj := result.StructuredContent.(map[string]any)["error"].(map[string]any)
	if len(tErr.SuggestedFixes) > 0 {
		errObj["suggested_fixes"] = tErr.SuggestedFixes
	}
	if len(tErr.Details) > 0 {
		errObj["details"] = tErr.Details
	}
	return result
}

func toolErrorCode(err error) string {
	var tErr *domain.ToolError
	if errors.As(err, &tErr) && tErr != nil && strings.TrimSpace(tErr.Code) != "" {
		return tErr.Code
	}
	return "INTERNAL_ERROR"
}

func (s *Server) logCall(method, routeID string, startedAt time.Time, errorCode string) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if strings.TrimSpace(errorCode) != "" {
		level = slog.LevelError
	}

	s.logger.Log(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", strings.TrimSpace(method)),
		slog.String("route_id", routeID),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", strings.TrimSpace(errorCode)),
	)
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logLifecycle(slog.LevelDebug, "mcp_send", slog.Int("bytes", len(encoded)))
	if s.useJSONLineOutput {
		return writeJSONLineMessage(s.out, encoded)
	}
	return writeFramedMessage(s.out, encoded)
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}

func formatSinks(sinks []domain.Sink) string {
	var out strings.Builder
	for i, sink := range sinks {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(
			&out,
			"%d. id=%s name=%s address=%s:%d capabilities=%s",
			i+1,
			sink.ID,
			strings.TrimSpace(sink.Name),
			sink.Host,
			sink.Port,
			strings.Join(sink.Capabilities, ","),
		)
	}
	return out.String()
}
