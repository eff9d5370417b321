// Package orchestrator reconciles per-user worker deployments: it maps
// inbound traffic on the messages queue to a worker container per userId,
// scaling up on demand and down after idle, and enforces the rate limit
// before provisioning or routing (spec §4.3).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/chat"
	"github.com/basket/chatagentctl/internal/config"
	"github.com/basket/chatagentctl/internal/ctlerrors"
	"github.com/basket/chatagentctl/internal/dispatcher"
	"github.com/basket/chatagentctl/internal/orchestrator/docker"
	"github.com/basket/chatagentctl/internal/orchestrator/ratelimit"
)

// Phase is a UserWorker's reconciled lifecycle state (spec §4.3 diagram).
type Phase string

const (
	PhaseAbsent       Phase = "absent"
	PhaseProvisioning Phase = "provisioning"
	PhaseActive       Phase = "active"
	PhaseScaledZero   Phase = "scaled-zero"
	PhaseFailed       Phase = "failed"
)

const messagesQueue = "messages"

// Workload is the subset of the container orchestrator client the
// reconciler needs; docker.Client satisfies it. Abstracted so reconciliation
// logic can be exercised against a fake in tests.
type Workload interface {
	EnsureRunning(ctx context.Context, spec docker.DeploymentSpec) (string, error)
	ScaleToZero(ctx context.Context, deploymentName string) error
	Delete(ctx context.Context, deploymentName string) error
}

// UserWorker is the orchestrator's reconciled entity, one per active user
// (spec §3).
type UserWorker struct {
	UserID         string
	DeploymentName string
	QueueName      string
	Phase          Phase
	LastMessageAt  time.Time
	ProvisionTries int
	LastPlaceholderTs string
	LastChannelID     string
}

// Orchestrator reconciles UserWorkers against the Docker workload backend.
type Orchestrator struct {
	bus        *bus.Bus
	docker     Workload
	chatClient chat.Client
	limiter    *ratelimit.Limiter
	// cfg is the full control-plane config, not just the Orchestrator
	// section: provisioning a worker container needs the bus DSN, chat
	// token, per-user repo URL and worker session defaults too, so they can
	// be threaded into the container's environment (spec §4.3, §6).
	cfg    config.Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*UserWorker

	activeReconciles map[string]bool
}

// New constructs an Orchestrator.
func New(b *bus.Bus, dockerClient Workload, chatClient chat.Client, cfg config.Config, logger *slog.Logger) *Orchestrator {
	rl := cfg.Orchestrator.RateLimit
	limiter := ratelimit.New(rl.Max, rl.Window, rl.Enabled, logger)
	return &Orchestrator{
		bus:              b,
		docker:           dockerClient,
		chatClient:       chatClient,
		limiter:          limiter,
		cfg:              cfg,
		logger:           logger,
		workers:          make(map[string]*UserWorker),
		activeReconciles: make(map[string]bool),
	}
}

// Run subscribes to the messages queue to drive provisioning, and starts the
// idle/orphan reconcile loops. It blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.limiter.StartEviction(ctx.Done(), o.cfg.Orchestrator.GracePeriod, 2*o.cfg.Orchestrator.OrphanGCEvery)

	stopWork := o.bus.Work(ctx, messagesQueue, bus.WorkOptions{BatchSize: 4}, o.handleInboundMessage)
	defer stopWork()

	reconcileSched, err := newIntervalSchedule(o.cfg.Orchestrator.ReconcileEvery)
	if err != nil {
		return fmt.Errorf("parse reconcile schedule: %w", err)
	}
	orphanSched, err := newIntervalSchedule(o.cfg.Orchestrator.OrphanGCEvery)
	if err != nil {
		return fmt.Errorf("parse orphan gc schedule: %w", err)
	}

	go reconcileSched.run(ctx, o.reconcileIdle)
	go orphanSched.run(ctx, o.reconcileOrphans)

	<-ctx.Done()
	return nil
}

// handleInboundMessage is the bus handler that drives Absent/Scaled-Zero →
// Active transitions and forwards the message onto the user's dedicated
// queue once its worker is (or will shortly be) running.
func (o *Orchestrator) handleInboundMessage(ctx context.Context, job bus.Job) error {
	var msg dispatcher.InboundMessage
	if err := unmarshalJob(job, &msg); err != nil {
		return err
	}

	if !o.limiter.Allow(msg.UserID) {
		o.logger.Warn("orchestrator: rate limit exceeded", "user_id", msg.UserID)
		if err := o.emitErrorFrame(ctx, msg, "rate limit exceeded: please slow down and try again shortly"); err != nil {
			o.logger.Error("orchestrator: failed to emit rate-limit error frame", "error", err)
		}
		return nil // handled terminally; do not retry a rejected action
	}

	worker := o.ensureWorker(msg.UserID)
	worker.LastMessageAt = time.Now()
	worker.LastPlaceholderTs = msg.PlaceholderTs
	worker.LastChannelID = msg.ChannelID

	if err := o.provision(ctx, worker, msg); err != nil {
		o.markFailed(worker, err)
		if emitErr := o.emitErrorFrame(ctx, msg, fmt.Sprintf("could not start your worker: %v", err)); emitErr != nil {
			o.logger.Error("orchestrator: failed to emit provisioning error frame", "error", emitErr)
		}
		return ctlerrors.NewHandlerFailed(err)
	}

	if _, err := o.bus.Send(ctx, worker.QueueName, msg, bus.SendOptions{}); err != nil {
		return fmt.Errorf("route message to %s: %w", worker.QueueName, err)
	}
	return nil
}

func (o *Orchestrator) ensureWorker(userID string) *UserWorker {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.workers[userID]
	if !ok {
		sanitized := config.SanitizeUserID(userID)
		w = &UserWorker{
			UserID:         userID,
			DeploymentName: fmt.Sprintf("worker-%s", sanitized),
			QueueName:      fmt.Sprintf("user_%s_queue", sanitized),
			Phase:          PhaseAbsent,
		}
		o.workers[userID] = w
	}
	return w
}

// provision ensures the worker's container exists and is running, making up
// to 3 attempts with backoff between them (spec §4.3, §7).
func (o *Orchestrator) provision(ctx context.Context, w *UserWorker, msg dispatcher.InboundMessage) error {
	if !o.lockReconcile(w.UserID) {
		return nil // another goroutine is already provisioning this user
	}
	defer o.unlockReconcile(w.UserID)

	if w.Phase == PhaseActive {
		return nil
	}
	w.Phase = PhaseProvisioning

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		_, err := o.docker.EnsureRunning(ctx, o.deploymentSpec(w, msg))
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		w.ProvisionTries++
		o.logger.Warn("orchestrator: provisioning attempt failed", "user_id", w.UserID, "attempt", attempt+1, "error", err)
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ctlerrors.ErrDeploymentProvisioningFailed, lastErr)
	}

	w.Phase = PhaseActive
	return nil
}

// deploymentSpec builds the worker container's environment (spec §4.3, §6):
// besides identity, it must carry the bus DSN (so the worker opens the same
// durable store the control plane does and can claim its own queue — without
// it the worker falls back to config's default local sqlite file and never
// sees its jobs), the repo URL, session timeout, chat/agent credentials, and
// the triggering InboundMessage's fields as INITIAL_* bootstrap values.
func (o *Orchestrator) deploymentSpec(w *UserWorker, msg dispatcher.InboundMessage) docker.DeploymentSpec {
	image := o.cfg.Orchestrator.WorkerImage
	if image == "" {
		image = "chatagentctl/worker:latest"
	}

	repoURL := o.cfg.Repos[w.UserID]
	if repoURL == "" {
		repoURL = o.cfg.Worker.RepositoryURL
	}

	env := map[string]string{
		"USER_ID":                 w.UserID,
		"DEPLOYMENT_NAME":         w.DeploymentName,
		"DATABASE_URL":            o.cfg.Bus.DSN,
		"REPOSITORY_URL":          repoURL,
		"SESSION_TIMEOUT_MINUTES": strconv.Itoa(o.cfg.Worker.SessionTimeoutMinutes),
		"CHAT_BOT_TOKEN":          o.cfg.Chat.Token,
		"INITIAL_PROMPT":          msg.MessageText,
		"INITIAL_THREAD_ID":       msg.ThreadID,
		"INITIAL_CHANNEL_ID":      msg.ChannelID,
		"INITIAL_MESSAGE_ID":      msg.MessageID,
	}
	for k, v := range o.cfg.Worker.AgentEnv {
		env[k] = v
	}

	return docker.DeploymentSpec{
		DeploymentName:   w.DeploymentName,
		Image:            image,
		WorkspaceSizeGiB: o.cfg.Orchestrator.WorkspaceSizeGiB,
		Env:              env,
	}
}

func (o *Orchestrator) markFailed(w *UserWorker, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w.Phase = PhaseFailed
	o.logger.Error("orchestrator: user worker failed", "user_id", w.UserID, "error", err)
}

func (o *Orchestrator) emitErrorFrame(ctx context.Context, msg dispatcher.InboundMessage, text string) error {
	if msg.PlaceholderTs == "" {
		return nil
	}
	return o.chatClient.ReplaceWithError(ctx, msg.ChannelID, msg.PlaceholderTs, text)
}

// reconcileIdle scales Active workers with no recent traffic and an empty
// queue down to zero (spec §4.3 Active → Scaled-Zero).
func (o *Orchestrator) reconcileIdle(ctx context.Context) {
	o.mu.Lock()
	candidates := make([]*UserWorker, 0, len(o.workers))
	for _, w := range o.workers {
		if w.Phase == PhaseActive {
			candidates = append(candidates, w)
		}
	}
	o.mu.Unlock()

	for _, w := range candidates {
		if time.Since(w.LastMessageAt) <= o.cfg.Orchestrator.GracePeriod {
			continue
		}
		size, err := o.bus.QueueSize(ctx, w.QueueName)
		if err != nil {
			o.logger.Error("orchestrator: queue size check failed", "user_id", w.UserID, "error", err)
			continue
		}
		if size > 0 {
			continue
		}
		if err := o.docker.ScaleToZero(ctx, w.DeploymentName); err != nil {
			o.logger.Error("orchestrator: scale to zero failed", "user_id", w.UserID, "error", err)
			continue
		}
		o.mu.Lock()
		w.Phase = PhaseScaledZero
		o.mu.Unlock()
		o.logger.Info("orchestrator: scaled to zero", "user_id", w.UserID, "deployment", w.DeploymentName)
	}
}

// reconcileOrphans deletes deployments with no traffic and no pending work
// for 2x the grace period (spec §4.3).
func (o *Orchestrator) reconcileOrphans(ctx context.Context) {
	o.mu.Lock()
	candidates := make([]*UserWorker, 0, len(o.workers))
	for _, w := range o.workers {
		if w.Phase == PhaseScaledZero {
			candidates = append(candidates, w)
		}
	}
	o.mu.Unlock()

	threshold := 2 * o.cfg.Orchestrator.GracePeriod
	for _, w := range candidates {
		if time.Since(w.LastMessageAt) <= threshold {
			continue
		}
		size, err := o.bus.QueueSize(ctx, w.QueueName)
		if err != nil || size > 0 {
			continue
		}
		if err := o.docker.Delete(ctx, w.DeploymentName); err != nil {
			o.logger.Error("orchestrator: orphan GC delete failed", "user_id", w.UserID, "error", err)
			continue
		}
		o.mu.Lock()
		delete(o.workers, w.UserID)
		o.mu.Unlock()
		o.logger.Info("orchestrator: orphan deployment garbage-collected", "user_id", w.UserID, "deployment", w.DeploymentName)
	}
}

func (o *Orchestrator) lockReconcile(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeReconciles[userID] {
		return false
	}
	o.activeReconciles[userID] = true
	return true
}

func (o *Orchestrator) unlockReconcile(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeReconciles, userID)
}

func unmarshalJob(job bus.Job, out *dispatcher.InboundMessage) error {
	if len(job.Payload) == 0 {
		return errors.New("empty job payload")
	}
	return json.Unmarshal(job.Payload, out)
}
