package cron

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-co-op/gocron"

	"github.com/enVId-tech/craftd/config"
	"github.com/enVId-tech/craftd/proxy"
	"github.com/enVId-tech/craftd/system"
)

const ErrCronRunning = errors.Sentinel("cron: job already running")

var o system.AtomicBool

// Scheduled drives the periodic fleet maintenance work: health probing the
// proxy fleet and rediscovering proxy containers. The core workflows are all
// request-driven; this is the only place anything runs on a timer.
type Scheduled struct {
	Registry *proxy.Registry
	Monitor  *proxy.Monitor
}

// Scheduler registers the periodic jobs and returns the started scheduler.
// This can only be called once per process.
func Scheduler(ctx context.Context, deps *Scheduled) (*gocron.Scheduler, error) {
	if !o.SwapIf(true) {
		return nil, errors.New("cron: cannot call scheduler more than once in application lifecycle")
	}
	location, err := time.LoadLocation(config.Get().System.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "cron: failed to parse configured system timezone")
	}

	health := healthJob{deps: deps}
	discovery := discoveryJob{deps: deps}

	s := gocron.NewScheduler(location)
	l := log.WithField("subsystem", "cron")

	if _, err := s.Tag("proxy-health").Every(30).Seconds().Do(func() {
		l.WithField("job", "proxy-health").Debug("executing scheduled job")
		if err := health.Run(ctx); err != nil {
			if errors.Is(err, ErrCronRunning) {
				l.WithField("job", "proxy-health").Warn("job already running, skipping tick")
				return
			}
			l.WithField("job", "proxy-health").WithField("error", err).Error("failed to execute scheduled job")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := s.Tag("proxy-discovery").Every(5).Minutes().Do(func() {
		l.WithField("job", "proxy-discovery").Debug("executing scheduled job")
		if err := discovery.Run(ctx); err != nil {
			if errors.Is(err, ErrCronRunning) {
				l.WithField("job", "proxy-discovery").Warn("job already running, skipping tick")
				return
			}
			l.WithField("job", "proxy-discovery").WithField("error", err).Error("failed to execute scheduled job")
		}
	}); err != nil {
		return nil, err
	}

	return s, nil
}

type healthJob struct {
	deps    *Scheduled
	running system.AtomicBool
}

func (j *healthJob) Run(ctx context.Context) error {
	if !j.running.SwapIf(true) {
		return errors.WithStack(ErrCronRunning)
	}
	defer j.running.Store(false)

	report, err := j.deps.Monitor.CheckAll(ctx)
	if err != nil {
		return err
	}
	if report.Overall != proxy.FleetHealthy {
		log.WithField("overall", report.Overall).Warn("proxy fleet is not fully healthy")
	}
	return nil
}

type discoveryJob struct {
	deps    *Scheduled
	running system.AtomicBool
}

func (j *discoveryJob) Run(ctx context.Context) error {
	if !j.running.SwapIf(true) {
		return errors.WithStack(ErrCronRunning)
	}
	defer j.running.Store(false)

	_, err := j.deps.Registry.ScanAndRegister(ctx, config.Get().Fleet.Environment)
	return err
}
