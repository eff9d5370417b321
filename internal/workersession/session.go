// Package workersession implements the long-lived worker process bound to
// one userId: it claims InboundMessages for its user, runs the coding-agent
// subprocess, and publishes incremental ProgressFrames (spec §4.4).
package workersession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/config"
	"github.com/basket/chatagentctl/internal/dispatcher"
	"github.com/basket/chatagentctl/internal/frame"
	"github.com/basket/chatagentctl/internal/workersession/agentproc"
)

const coalesceWindow = 2 * time.Second

// Config configures one WorkerSession instance (spec §6 worker environment).
type Config struct {
	UserID                string
	DeploymentName        string
	Workspace             string
	AgentCommand          string
	AgentArgs             []string
	SessionTimeoutMinutes int

	InitialPrompt    string
	InitialThreadID  string
	InitialChannelID string
	InitialMessageID string
}

// Session is one worker process's runtime state (spec §3 SessionContext,
// owned exclusively by this instance).
type Session struct {
	cfg       Config
	bus       *bus.Bus
	queueName string
	logger    *slog.Logger

	threadLocks sync.Map // threadID -> *sync.Mutex

	activeMu sync.Mutex
	active   map[string]*agentproc.Process // threadID -> running subprocess

	lastJobMu        sync.Mutex
	lastJobFinishedAt time.Time
}

// New constructs a Session for one user.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Session {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "agent"
	}
	if cfg.SessionTimeoutMinutes <= 0 {
		cfg.SessionTimeoutMinutes = 30
	}
	return &Session{
		cfg:               cfg,
		bus:               b,
		queueName:         fmt.Sprintf("user_%s_queue", config.SanitizeUserID(cfg.UserID)),
		logger:            logger,
		active:            make(map[string]*agentproc.Process),
		lastJobFinishedAt: time.Now(),
	}
}

// Run processes the bootstrap message (if any), then claims jobs from this
// user's dedicated queue until idle timeout or ctx cancellation (spec §4.4
// points 1-3). The shared messages queue is deliberately not subscribed to
// here: the orchestrator alone claims it and routes each job onto exactly
// one user's dedicated queue, so a second consumer racing it for the same
// job would ack (and thereby silently drop) other users' messages — see
// handleJob's doc comment.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.InitialPrompt != "" {
		s.processMessage(runCtx, dispatcher.InboundMessage{
			UserID:      s.cfg.UserID,
			ThreadID:    s.cfg.InitialThreadID,
			ChannelID:   s.cfg.InitialChannelID,
			MessageID:   s.cfg.InitialMessageID,
			MessageText: s.cfg.InitialPrompt,
		})
	}

	stopDedicated := s.bus.Work(runCtx, s.queueName, bus.WorkOptions{BatchSize: 4}, s.handleJob)
	defer stopDedicated()

	idleCheck := time.NewTicker(10 * time.Second)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idleCheck.C:
			if s.idleTimedOut() {
				size, err := s.bus.QueueSize(ctx, s.queueName)
				if err == nil && size == 0 {
					s.logger.Info("workersession: idle timeout reached, exiting", "user_id", s.cfg.UserID)
					return nil
				}
			}
		}
	}
}

func (s *Session) idleTimedOut() bool {
	s.lastJobMu.Lock()
	defer s.lastJobMu.Unlock()
	return time.Since(s.lastJobFinishedAt) > time.Duration(s.cfg.SessionTimeoutMinutes)*time.Minute
}

func (s *Session) markJobFinished() {
	s.lastJobMu.Lock()
	defer s.lastJobMu.Unlock()
	s.lastJobFinishedAt = time.Now()
}

// handleJob claims jobs from this session's own dedicated queue only; every
// job on it was already routed here by the orchestrator for this exact
// userId, so no further filtering (and no risk of acking another user's
// message) is needed.
func (s *Session) handleJob(ctx context.Context, job bus.Job) error {
	var msg dispatcher.InboundMessage
	if err := unmarshalInbound(job, &msg); err != nil {
		return err
	}
	return s.handleJobMsg(ctx, msg)
}

func (s *Session) handleJobMsg(ctx context.Context, msg dispatcher.InboundMessage) error {
	s.processMessage(ctx, msg)
	return nil
}

// processMessage serializes handling per thread (spec §4.4 "Acquire a
// session-scoped lock... so jobs for the same thread serialize").
func (s *Session) processMessage(ctx context.Context, msg dispatcher.InboundMessage) {
	lockIface, _ := s.threadLocks.LoadOrStore(msg.ThreadID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	defer s.markJobFinished()

	branch, hasBranch := DetectBranch(ctx, s.cfg.Workspace)

	s.publishFrame(ctx, frame.ProgressFrame{
		MessageID:         msg.MessageID,
		ChannelID:         msg.ChannelID,
		ThreadTs:          msg.ThreadID,
		UserID:            msg.UserID,
		Content:           "💭 thinking…",
		IsDone:            false,
		Timestamp:         nowSeconds(),
		OriginalMessageTs: msg.OriginalMessageTs,
		GitBranch:         branchOrEmpty(branch, hasBranch),
	})

	proc, err := agentproc.Start(ctx, s.cfg.AgentCommand, s.cfg.AgentArgs, s.cfg.Workspace, msg.MessageText, nil)
	if err != nil {
		s.publishFrame(ctx, frame.ProgressFrame{
			MessageID: msg.MessageID, ChannelID: msg.ChannelID, ThreadTs: msg.ThreadID, UserID: msg.UserID,
			Error: fmt.Sprintf("agent failed to start: %v", err), IsDone: true, Timestamp: nowSeconds(),
			OriginalMessageTs: msg.OriginalMessageTs,
		})
		return
	}

	s.trackActive(msg.ThreadID, proc)
	defer s.untrackActive(msg.ThreadID)

	s.streamAgentOutput(ctx, proc, msg, branch, hasBranch)
}

func (s *Session) trackActive(threadID string, p *agentproc.Process) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[threadID] = p
}

func (s *Session) untrackActive(threadID string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, threadID)
}

// streamAgentOutput reads parsed records, coalescing visible content and
// emitting a ProgressFrame at most once every 2 seconds, with the latest
// content winning (spec §4.4, §9 "pure transducer (keep latest)").
func (s *Session) streamAgentOutput(ctx context.Context, proc *agentproc.Process, msg dispatcher.InboundMessage, branch string, hasBranch bool) {
	var mu sync.Mutex
	var content strings.Builder
	var currentErr string
	dirty := false

	flush := func() {
		mu.Lock()
		if !dirty {
			mu.Unlock()
			return
		}
		text := content.String()
		dirty = false
		mu.Unlock()

		s.publishFrame(ctx, frame.ProgressFrame{
			MessageID: msg.MessageID, ChannelID: msg.ChannelID, ThreadTs: msg.ThreadID, UserID: msg.UserID,
			Content: text, IsDone: false, Timestamp: nowSeconds(),
			OriginalMessageTs: msg.OriginalMessageTs, GitBranch: branchOrEmpty(branch, hasBranch),
		})
	}

	ticker := time.NewTicker(coalesceWindow)
	defer ticker.Stop()
	stopTicker := make(chan struct{})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopTicker:
				return
			case <-ticker.C:
				flush()
			}
		}
	}()

readLoop:
	for {
		rec, err := proc.ReadRecord(ctx)
		if err != nil {
			if err == io.EOF || err == context.Canceled {
				break readLoop
			}
			currentErr = err.Error()
			break readLoop
		}

		mu.Lock()
		switch rec.Type {
		case agentproc.RecordAssistant:
			if rec.Todos != nil {
				content.Reset()
				content.WriteString(renderTodos(rec.Todos))
			} else if rec.Text != "" {
				content.WriteString(rec.Text)
			}
		case agentproc.RecordText, agentproc.RecordFreeform:
			if rec.Text != "" {
				content.WriteString(rec.Text)
			}
		case agentproc.RecordMessage:
			if rec.Content != "" {
				content.WriteString(rec.Content)
			}
		case agentproc.RecordError:
			currentErr = rec.Message
		}
		dirty = true
		mu.Unlock()
	}

	close(stopTicker)
	<-tickerDone
	_ = proc.Wait()

	mu.Lock()
	finalContent := content.String()
	mu.Unlock()

	s.publishFrame(ctx, frame.ProgressFrame{
		MessageID: msg.MessageID, ChannelID: msg.ChannelID, ThreadTs: msg.ThreadID, UserID: msg.UserID,
		Content: finalContent, Error: currentErr, IsDone: true, Timestamp: nowSeconds(),
		OriginalMessageTs: msg.OriginalMessageTs, GitBranch: branchOrEmpty(branch, hasBranch),
	})
}

// publishFrame is one-sided: the worker never blocks on the bus, and a send
// failure simply drops the current frame (spec §4.4).
func (s *Session) publishFrame(ctx context.Context, f frame.ProgressFrame) {
	if _, err := s.bus.Send(ctx, frame.Queue, f, bus.SendOptions{}); err != nil {
		s.logger.Warn("workersession: dropped frame, bus send failed", "user_id", s.cfg.UserID, "error", err)
	}
}

// Shutdown terminates every active agent subprocess via Process.Signal,
// waiting up to grace for each before killing it. It does not stop the job
// consumer (cancelling Run's context does that) and publishes no terminal
// error frame for the interrupted jobs.
func (s *Session) Shutdown(grace time.Duration) {
	s.activeMu.Lock()
	procs := make(map[string]*agentproc.Process, len(s.active))
	for k, v := range s.active {
		procs[k] = v
	}
	s.activeMu.Unlock()

	for threadID, p := range procs {
		s.logger.Info("workersession: terminating active subprocess on shutdown", "user_id", s.cfg.UserID, "thread_id", threadID)
		p.Signal(grace)
	}
}

func branchOrEmpty(branch string, ok bool) string {
	if !ok {
		return ""
	}
	return branch
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func unmarshalInbound(job bus.Job, out *dispatcher.InboundMessage) error {
	if len(job.Payload) == 0 {
		return fmt.Errorf("empty job payload")
	}
	return json.Unmarshal(job.Payload, out)
}
