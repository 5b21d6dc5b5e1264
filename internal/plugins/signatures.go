package plugins

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/jobs"
)

// Done is returned by SignatureIterator.Next once every config was visited.
var Done = errors.New("no more signatures")

// Signature is an executable unit of work for one plugin config and job.
type Signature struct {
	TaskID        string
	Type          Type
	Name          string
	ConfigID      int64
	Module        string
	UserID        int64
	JobID         int64
	RoutingKey    string
	SoftTimeLimit time.Duration
}

// Message converts the signature to its bus form.
func (s *Signature) Message() bus.SignatureMessage {
	return bus.SignatureMessage{
		TaskID:        s.TaskID,
		PluginType:    string(s.Type),
		PluginName:    s.Name,
		ConfigID:      s.ConfigID,
		Module:        s.Module,
		UserID:        s.UserID,
		JobID:         s.JobID,
		RoutingKey:    s.RoutingKey,
		SoftTimeLimit: int(s.SoftTimeLimit / time.Second),
		Timestamp:     time.Now().Unix(),
	}
}

// SignatureIterator yields one signature per config, lazily and only once.
// Next returns a per-config error (*SkipError or *RunnableError) without
// stopping the iteration; the following call moves to the next config.
type SignatureIterator struct {
	resolver *Resolver
	configs  []Config
	job      *jobs.Job
	pos      int
}

// GetSignatures returns a fresh iterator over configs for job. The configs
// must have been passed through AnnotateRunnable for the job's user.
func (r *Resolver) GetSignatures(configs []Config, job *jobs.Job) *SignatureIterator {
	return &SignatureIterator{resolver: r, configs: configs, job: job}
}

// Next returns the signature of the next config, or Done.
func (it *SignatureIterator) Next(ctx context.Context) (*Signature, error) {
	if it.pos >= len(it.configs) {
		return nil, Done
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	config := &it.configs[it.pos]
	it.pos++

	var userID int64
	if it.job.UserID != nil {
		userID = *it.job.UserID
	}

	if config.Runnable == nil {
		return nil, &RunnableError{Plugin: config.Name, User: userID, Err: ErrNotAnnotated}
	}
	if !*config.Runnable {
		if config.Disabled {
			return nil, &SkipError{Plugin: config.Name}
		}
		return nil, &RunnableError{Plugin: config.Name, User: userID}
	}

	return &Signature{
		TaskID:        uuid.NewString(),
		Type:          config.Type,
		Name:          config.Name,
		ConfigID:      config.ID,
		Module:        config.ModulePath,
		UserID:        userID,
		JobID:         it.job.ID,
		RoutingKey:    it.resolver.RoutingKey(config),
		SoftTimeLimit: time.Duration(config.SoftTimeLimit) * time.Second,
	}, nil
}
