package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/events"
	"github.com/splax/localship/internal/repository"
	"github.com/splax/localship/internal/runtime"
)

const (
	defaultAppPort         = 3000
	defaultBuildTimeout    = 20 * time.Minute
	defaultImagePrefix     = "localship"
	defaultDataMountTarget = "/app/data"
	defaultHistoryLimit    = 50
	containerPrefix        = "localship-"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	repository.DeploymentRepository
	repository.HistoryRepository
}

// Workspace manages staged and committed source trees and volume directories.
type Workspace interface {
	Stage(name string, bundle io.Reader) (string, error)
	Commit(name, staged string) (string, error)
	Discard(staged string)
	VolumeDir(name string) (string, error)
	RemoveVolumes(name string) error
	Cleanup(name string) error
}

// Discovery publishes deployment hostnames on the local network.
type Discovery interface {
	Register(name string)
	Unregister(name string)
}

// Backuper archives deployment volumes.
type Backuper interface {
	Backup(ctx context.Context, name string) (domain.Backup, error)
	Remove(name string) error
}

// Options tunes the pipeline.
type Options struct {
	AppPort         int
	BuildTimeout    time.Duration
	ImagePrefix     string
	DataMountTarget string
}

// Result summarizes a successful deploy.
type Result struct {
	Name         string             `json:"name"`
	Type         domain.ProjectType `json:"type"`
	Port         int                `json:"port"`
	ContainerRef string             `json:"containerRef"`
}

// Settings is the editable subset of a deployment.
type Settings = domain.DeploymentSettings

// Service is the deployment orchestrator.
type Service struct {
	store     Store
	runtime   runtime.Runtime
	workspace Workspace
	discovery Discovery
	backups   Backuper
	publisher events.Publisher
	builds    *ActiveBuilds
	locks     *nameLocks
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	freePort  func() (int, error)
}

// New wires an orchestrator. discovery and backups may be nil.
func New(store Store, rt runtime.Runtime, ws Workspace, discovery Discovery, backups Backuper, pub events.Publisher, builds *ActiveBuilds, opts Options, logger *slog.Logger) *Service {
	if opts.AppPort <= 0 {
		opts.AppPort = defaultAppPort
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = defaultBuildTimeout
	}
	if strings.TrimSpace(opts.ImagePrefix) == "" {
		opts.ImagePrefix = defaultImagePrefix
	}
	if opts.DataMountTarget == "" {
		opts.DataMountTarget = defaultDataMountTarget
	}
	if builds == nil {
		builds = NewActiveBuilds(pub)
	}
	return &Service{
		store:     store,
		runtime:   rt,
		workspace: ws,
		discovery: discovery,
		backups:   backups,
		publisher: pub,
		builds:    builds,
		locks:     newNameLocks(),
		opts:      opts,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
		freePort:  allocatePort,
	}
}

// Builds exposes the active build registry.
func (s *Service) Builds() *ActiveBuilds {
	return s.builds
}

// Deploy runs the full upload, classify, build and run pipeline for name.
// Redeploys of the same name are serialized.
func (s *Service) Deploy(ctx context.Context, rawName string, bundle io.Reader) (Result, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return Result{}, err
	}

	unlock := s.locks.Lock(name)
	defer unlock()

	staged, err := s.workspace.Stage(name, bundle)
	if err != nil {
		return Result{}, err
	}
	typ := Classify(staged)
	if typ == domain.ProjectUnknown {
		s.workspace.Discard(staged)
		return Result{}, ErrUnknownProjectType
	}

	// The bundle is fully read; from here on the pipeline must not be
	// abandoned half way because the uploader went away.
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("deployment", name)

	existing, err := s.store.GetDeployment(ctx, name)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		existing = nil
	case err != nil:
		s.workspace.Discard(staged)
		return Result{}, fmt.Errorf("load deployment: %w", err)
	}

	if existing != nil && existing.AutoBackup {
		s.autoBackup(ctx, name)
	}

	dir, err := s.workspace.Commit(name, staged)
	if err != nil {
		s.workspace.Discard(staged)
		return Result{}, fmt.Errorf("commit workspace: %w", err)
	}

	deployment, err := s.beginUpload(ctx, existing, name, typ, dir)
	if err != nil {
		return Result{}, err
	}
	s.recordHistory(ctx, name, domain.HistoryDeployStarted, string(typ), 0)
	log.Info("deploy started", "type", typ)

	if err := s.transition(ctx, deployment, domain.StatusBuilding, ""); err != nil {
		return Result{}, s.deployFailed(ctx, name, err)
	}

	started := s.now()
	image := s.imageTag(name)
	buildErr := s.build(ctx, name, typ, dir, image)
	elapsed := s.now().Sub(started)
	if buildErr != nil {
		return Result{}, s.buildFailed(ctx, deployment, elapsed, buildErr)
	}
	s.builds.Finish(name, domain.Event{
		Type:           domain.EventBuildComplete,
		DeploymentName: name,
		Data:           map[string]any{"success": true, "durationMs": elapsed.Milliseconds()},
	})
	log.Info("build complete", "duration_ms", elapsed.Milliseconds())

	if err := s.transition(ctx, deployment, domain.StatusStarting, ""); err != nil {
		return Result{}, s.deployFailed(ctx, name, err)
	}

	port, err := s.freePort()
	if err != nil {
		return Result{}, s.deployFailed(ctx, name, err)
	}

	if existing != nil && existing.ContainerRef != "" {
		if err := s.runtime.Stop(ctx, existing.ContainerRef); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			log.Warn("remove previous container failed", "container", existing.ContainerRef, "error", err)
		}
	}

	volume, err := s.workspace.VolumeDir(name)
	if err != nil {
		return Result{}, s.deployFailed(ctx, name, err)
	}
	ref, err := s.runtime.Run(ctx, runtime.RunRequest{
		Name:          containerPrefix + name,
		Image:         image,
		HostPort:      port,
		ContainerPort: s.opts.AppPort,
		Env:           []string{"PORT=" + strconv.Itoa(s.opts.AppPort)},
		Mounts:        []runtime.Mount{{Source: volume, Target: s.opts.DataMountTarget}},
		Labels:        map[string]string{"localship.deployment": name},
	})
	if err != nil {
		return Result{}, s.deployFailed(ctx, name, fmt.Errorf("run container: %w", err))
	}

	deployment.Port = port
	deployment.ContainerRef = ref
	deployment.Type = typ
	deployment.Directory = dir
	deployment.Error = ""
	if err := s.transition(ctx, deployment, domain.StatusRunning, ""); err != nil {
		return Result{}, s.deployFailed(ctx, name, err)
	}

	if deployment.Discoverable && s.discovery != nil {
		s.discovery.Register(name)
	}
	s.recordHistory(ctx, name, domain.HistoryDeployed, fmt.Sprintf("listening on 127.0.0.1:%d", port), s.now().Sub(started).Milliseconds())
	log.Info("deployment running", "port", port, "container", ref)

	return Result{Name: name, Type: typ, Port: port, ContainerRef: ref}, nil
}

func (s *Service) beginUpload(ctx context.Context, existing *domain.Deployment, name string, typ domain.ProjectType, dir string) (*domain.Deployment, error) {
	if existing != nil {
		existing.Type = typ
		existing.Directory = dir
		if err := s.transition(ctx, existing, domain.StatusUploading, ""); err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := s.now().UTC()
	deployment := &domain.Deployment{
		Name:         name,
		Type:         typ,
		Status:       domain.StatusUploading,
		Directory:    dir,
		Discoverable: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.emit(domain.EventDeploymentCreated, name, *deployment)
	s.emitStatus(deployment)
	return deployment, nil
}

func (s *Service) build(ctx context.Context, name string, typ domain.ProjectType, dir, image string) error {
	s.builds.Start(name)
	generated, err := ensureBuildfile(dir, typ, s.opts.AppPort)
	if err != nil {
		return err
	}
	if generated {
		s.builds.Append(name, fmt.Sprintf("generated %s for %s project", dockerfileName, typ))
	}
	buildCtx, cancel := context.WithTimeout(ctx, s.opts.BuildTimeout)
	defer cancel()
	return s.runtime.Build(buildCtx, runtime.BuildRequest{Dir: dir, Tag: image}, func(line string) {
		s.builds.Append(name, line)
	})
}

func (s *Service) buildFailed(ctx context.Context, deployment *domain.Deployment, elapsed time.Duration, cause error) error {
	name := deployment.Name
	buildErr := &BuildError{Name: name, Duration: elapsed, Err: cause}
	if err := s.transition(ctx, deployment, domain.StatusFailed, cause.Error()); err != nil {
		s.logger.Error("persist failed status", "deployment", name, "error", err)
	}
	s.recordHistory(ctx, name, domain.HistoryBuildFailed, cause.Error(), elapsed.Milliseconds())
	s.builds.Finish(name, domain.Event{
		Type:           domain.EventBuildComplete,
		DeploymentName: name,
		Data: map[string]any{
			"success":    false,
			"durationMs": elapsed.Milliseconds(),
			"error":      cause.Error(),
		},
	})
	s.logger.Warn("build failed", "deployment", name, "duration_ms", elapsed.Milliseconds(), "error", cause)
	return buildErr
}

// deployFailed records a post-build failure. The record keeps whatever status
// it last reached.
func (s *Service) deployFailed(ctx context.Context, name string, err error) error {
	s.recordHistory(ctx, name, domain.HistoryDeployFailed, err.Error(), 0)
	s.logger.Error("deploy failed", "deployment", name, "error", err)
	return err
}

func (s *Service) autoBackup(ctx context.Context, name string) {
	if s.backups == nil {
		return
	}
	backup, err := s.backups.Backup(ctx, name)
	if err != nil {
		s.logger.Warn("auto backup failed", "deployment", name, "error", err)
		s.recordHistory(ctx, name, domain.HistoryBackupFailed, err.Error(), 0)
		return
	}
	s.recordHistory(ctx, name, domain.HistoryBackupCreated, backup.Path, 0)
}

// Restart restarts the deployment's container without rebuilding.
func (s *Service) Restart(ctx context.Context, rawName string) (*domain.Deployment, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	unlock, ok := s.locks.TryLock(name)
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	deployment, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if deployment.ContainerRef == "" {
		return nil, ErrNoContainer
	}
	if err := s.runtime.Restart(ctx, deployment.ContainerRef); err != nil {
		return nil, fmt.Errorf("restart container: %w", err)
	}
	s.recordHistory(ctx, name, domain.HistoryRestarted, "", 0)
	s.emitStatus(deployment)
	s.logger.Info("deployment restarted", "deployment", name)
	return deployment, nil
}

// Delete stops the container, removes every on-disk artifact and forgets the
// deployment.
func (s *Service) Delete(ctx context.Context, rawName string) error {
	name, err := NormalizeName(rawName)
	if err != nil {
		return err
	}
	unlock, ok := s.locks.TryLock(name)
	if !ok {
		return ErrBusy
	}
	defer unlock()

	deployment, err := s.get(ctx, name)
	if err != nil {
		return err
	}
	log := s.logger.With("deployment", name)

	if deployment.ContainerRef != "" {
		if err := s.runtime.Stop(ctx, deployment.ContainerRef); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return fmt.Errorf("stop container: %w", err)
		}
	}
	if s.discovery != nil {
		s.discovery.Unregister(name)
	}
	if err := s.workspace.RemoveVolumes(name); err != nil {
		log.Warn("remove volumes failed", "error", err)
	}
	if err := s.workspace.Cleanup(name); err != nil {
		log.Warn("remove sources failed", "error", err)
	}
	if s.backups != nil {
		if err := s.backups.Remove(name); err != nil {
			log.Warn("remove backups failed", "error", err)
		}
	}
	if err := s.store.DeleteDeployment(ctx, name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete deployment: %w", err)
	}
	s.emit(domain.EventDeploymentDeleted, name, map[string]any{"name": name})
	log.Info("deployment deleted")
	return nil
}

// UpdateSettings applies the provided flags and adjusts discovery to match.
func (s *Service) UpdateSettings(ctx context.Context, rawName string, settings Settings) (*domain.Deployment, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	if settings.Empty() {
		return nil, ErrInvalidSettings
	}
	unlock, ok := s.locks.TryLock(name)
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	deployment, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	wasDiscoverable := deployment.Discoverable
	var changes []string
	if settings.AutoBackup != nil {
		deployment.AutoBackup = *settings.AutoBackup
		changes = append(changes, fmt.Sprintf("autoBackup=%t", deployment.AutoBackup))
	}
	if settings.Discoverable != nil {
		deployment.Discoverable = *settings.Discoverable
		changes = append(changes, fmt.Sprintf("discoverable=%t", deployment.Discoverable))
	}
	deployment.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("update deployment: %w", err)
	}

	if s.discovery != nil && wasDiscoverable != deployment.Discoverable {
		if deployment.Discoverable {
			s.discovery.Register(name)
		} else {
			s.discovery.Unregister(name)
		}
	}
	s.recordHistory(ctx, name, domain.HistorySettingsUpdated, strings.Join(changes, " "), 0)
	return deployment, nil
}

// Get returns one deployment.
func (s *Service) Get(ctx context.Context, rawName string) (*domain.Deployment, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, name)
}

// List returns every deployment.
func (s *Service) List(ctx context.Context) ([]domain.Deployment, error) {
	return s.store.ListDeployments(ctx)
}

// History returns the most recent audit entries for name.
func (s *Service) History(ctx context.Context, rawName string, limit int) ([]domain.HistoryEvent, error) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.store.ListHistory(ctx, name, limit)
}

// ActiveBuild returns the accumulated output of an in-progress build.
func (s *Service) ActiveBuild(rawName string) (string, bool) {
	name, err := NormalizeName(rawName)
	if err != nil {
		return "", false
	}
	return s.builds.Get(name)
}

// Sync reconciles the registry after a restart: deployments caught mid
// pipeline are marked failed and discoverable ones are announced again.
func (s *Service) Sync(ctx context.Context) error {
	deployments, err := s.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}
	for i := range deployments {
		deployment := &deployments[i]
		switch deployment.Status {
		case domain.StatusUploading, domain.StatusBuilding, domain.StatusStarting:
			if err := s.transition(ctx, deployment, domain.StatusFailed, "interrupted by server restart"); err != nil {
				s.logger.Warn("mark interrupted deployment failed", "deployment", deployment.Name, "error", err)
			}
		}
		if deployment.Discoverable && s.discovery != nil {
			s.discovery.Register(deployment.Name)
		}
	}
	s.logger.Info("deployments synced", "count", len(deployments))
	return nil
}

func (s *Service) get(ctx context.Context, name string) (*domain.Deployment, error) {
	deployment, err := s.store.GetDeployment(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// transition persists the new status and only then publishes it.
func (s *Service) transition(ctx context.Context, deployment *domain.Deployment, status domain.DeploymentStatus, errText string) error {
	previous, previousErr := deployment.Status, deployment.Error
	deployment.Status = status
	deployment.Error = errText
	deployment.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateDeployment(ctx, deployment); err != nil {
		deployment.Status, deployment.Error = previous, previousErr
		return fmt.Errorf("persist status %s: %w", status, err)
	}
	s.emitStatus(deployment)
	return nil
}

func (s *Service) emitStatus(deployment *domain.Deployment) {
	data := map[string]any{"status": deployment.Status}
	if deployment.Error != "" {
		data["error"] = deployment.Error
	}
	if deployment.Port > 0 {
		data["port"] = deployment.Port
	}
	s.emit(domain.EventDeploymentStatus, deployment.Name, data)
}

func (s *Service) emit(typ domain.EventType, name string, data any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Emit(domain.Event{Type: typ, DeploymentName: name, Data: data})
}

func (s *Service) recordHistory(ctx context.Context, name string, kind domain.HistoryKind, message string, durationMS int64) {
	event := domain.HistoryEvent{
		ID:             uuid.NewString(),
		DeploymentName: name,
		Kind:           kind,
		Message:        message,
		DurationMS:     durationMS,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.InsertHistory(ctx, event); err != nil {
		s.logger.Warn("record history failed", "deployment", name, "kind", kind, "error", err)
	}
}

func (s *Service) imageTag(name string) string {
	return fmt.Sprintf("%s/%s:%d", s.opts.ImagePrefix, name, s.now().Unix())
}
