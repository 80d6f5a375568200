package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/mattn/go-shellwords"
)

// Exec renders avatars with a local process. The command is started on Join
// with --model <model_path>, receives the session as one JSON line on stdin
// and reports progress as JSON lines on stdout:
//
//	{"event":"joined","sink":"bithuman:kai"}
//	{"event":"ready"}
//	{"event":"error","message":"model not found"}
type Exec struct {
	cmd    []string
	logger *slog.Logger
}

type execStart struct {
	Provider            string            `json:"provider"`
	ParticipantIdentity string            `json:"participant_identity"`
	ParticipantName     string            `json:"participant_name"`
	Room                string            `json:"room"`
	RoomURL             string            `json:"room_url"`
	Params              map[string]string `json:"params,omitempty"`
}

type execEvent struct {
	Event   string `json:"event"`
	Sink    string `json:"sink,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewExec(command string, logger *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse renderer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("renderer command empty")
	}
	return &Exec{cmd: args, logger: logger.With(slog.String("component", "avatar-exec-backend"))}, nil
}

func (e *Exec) Open(_ context.Context, req avatar.SessionRequest) (avatar.Handle, error) {
	modelPath := req.Params["model_path"]
	if modelPath == "" {
		return nil, errors.New("local renderer requires model_path")
	}
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", modelPath)
	return &execHandle{
		base:   e.cmd[0],
		args:   args,
		req:    req,
		logger: e.logger.With(slog.String("provider", string(req.Provider))),
	}, nil
}

type execHandle struct {
	base   string
	args   []string
	req    avatar.SessionRequest
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	events  chan execEvent
	done    chan struct{}
	waitErr error
	stderr  bytes.Buffer
}

func (h *execHandle) Join(ctx context.Context, room avatar.Room) (avatar.AudioSink, error) {
	input, err := json.Marshal(execStart{
		Provider:            string(h.req.Provider),
		ParticipantIdentity: h.req.ParticipantIdentity,
		ParticipantName:     h.req.ParticipantName,
		Room:                room.Name(),
		RoomURL:             room.URL(),
		Params:              h.req.Params,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return nil, errors.New("renderer already joined")
	}
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, h.base, h.args...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	cmd.Stderr = &h.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.mu.Unlock()
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("start renderer: %w", err)
	}
	h.cancel = cancel
	h.events = make(chan execEvent, 16)
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.read(cmd, stdout)

	evt, err := h.await(ctx, "joined")
	if err != nil {
		return nil, err
	}
	sink := evt.Sink
	if sink == "" {
		sink = string(h.req.Provider) + ":" + h.req.ParticipantIdentity
	}
	return avatar.NamedSink(sink), nil
}

func (h *execHandle) Ready(ctx context.Context) error {
	h.mu.Lock()
	started := h.events != nil
	h.mu.Unlock()
	if !started {
		return errors.New("renderer not joined")
	}
	_, err := h.await(ctx, "ready")
	return err
}

// Close stops the renderer process and waits for it to exit.
func (h *execHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("renderer did not exit: %w", ctx.Err())
	}
}

func (h *execHandle) await(ctx context.Context, want string) (execEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return execEvent{}, ctx.Err()
		case evt, ok := <-h.events:
			if !ok {
				return execEvent{}, h.exitError()
			}
			switch evt.Event {
			case want:
				return evt, nil
			case "error":
				return execEvent{}, fmt.Errorf("renderer: %s", evt.Message)
			}
		}
	}
}

func (h *execHandle) exitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := bytes.TrimSpace(h.stderr.Bytes())
	switch {
	case h.waitErr != nil && len(msg) > 0:
		return fmt.Errorf("renderer exited: %w: %s", h.waitErr, msg)
	case h.waitErr != nil:
		return fmt.Errorf("renderer exited: %w", h.waitErr)
	default:
		return errors.New("renderer exited before reporting")
	}
}

// read decodes stdout until the process exits. Events nobody waits for are
// dropped once the buffer is full so the renderer never blocks on stdout.
func (h *execHandle) read(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			h.logger.Debug("ignoring renderer output", slog.String("line", string(line)))
			continue
		}
		select {
		case h.events <- evt:
		default:
			h.logger.Debug("dropping renderer event", slog.String("event", evt.Event))
		}
	}
	err := cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()
	close(h.events)
	close(h.done)
}
