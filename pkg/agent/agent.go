package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ledwizd/ledwizd/internal/configsvc"
	"github.com/ledwizd/ledwizd/internal/lwzsvc"
	"github.com/ledwizd/ledwizd/internal/lwzsvc/linux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	store     *lwzsvc.Store
	configSvc *configsvc.Service
	host      *linux.Host
	sink      *linux.UdevSink
	lwzSvc    *lwzsvc.Service

	list   *lwzsvc.DeviceList
	hooked bool
}

func NewAgent(config Config) (*Agent, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := lwzsvc.NewStore(logger.Named("store"), db, time.Now)
	configSvc := configsvc.New(logger.Named("config"))
	host := linux.NewHost(logger.Named("hid.linux"))
	sink := linux.NewUdevSink(logger.Named("hotplug"))
	lwzSvc := lwzsvc.New(logger.Named("lwz"), host, lwzsvc.WithStore(store))

	return &Agent{
		config:    config,
		log:       logger,
		db:        db,
		store:     store,
		configSvc: configSvc,
		host:      host,
		sink:      sink,
		lwzSvc:    lwzSvc,
		list:      &lwzsvc.DeviceList{},
	}, nil
}

func (a *Agent) Close() error {
	a.lwzSvc.Close(false)
	return a.db.Close()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the services and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.lwzSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return a.sink.Start(groupCtx)
	})
	group.Go(func() error {
		return a.supervise(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

// supervise wires the tuning config, performs the initial scan and keeps
// the hotplug hook alive. The service can only hook a sink once a unit is
// attached, so arrivals observed while unhooked trigger a fresh scan.
func (a *Agent) supervise(ctx context.Context) error {
	for _, ready := range []<-chan struct{}{a.configSvc.Ready(), a.lwzSvc.Ready(), a.sink.Ready()} {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
	}

	cfg, err := configsvc.Register(a.configSvc, a.config.DeviceConfig, DevicesConfig{}, func(cfg DevicesConfig, err error) {
		if err != nil {
			a.log.Error("failed to reload device config", zap.Error(err))
			return
		}
		a.lwzSvc.ApplyTuning(tuning(cfg))
	})
	if err != nil {
		a.log.Warn("device config unavailable", zap.Error(err))
	} else {
		a.lwzSvc.ApplyTuning(tuning(cfg))
	}

	a.lwzSvc.SetNotify(a.notify, a.list)
	a.hook()

	events := a.sink.Events(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("hotplug event", zap.Uint8("kind", uint8(msg.Key)), zap.String("node", msg.Message.Node))
			if !a.hooked && msg.Key == linux.EventArrival {
				a.lwzSvc.SetNotify(a.notify, a.list)
				a.hook()
			}
		}
	}
}

func (a *Agent) notify(reason lwzsvc.NotifyReason, unit int32) {
	switch reason {
	case lwzsvc.ReasonAdd:
		a.log.Info("unit added", zap.Int32("unit", unit))
	case lwzsvc.ReasonDelete:
		a.log.Info("unit removed", zap.Int32("unit", unit))
	}
}

func (a *Agent) hook() {
	units := a.lwzSvc.Units()
	if len(units) == 0 {
		return
	}
	a.lwzSvc.Register(units[0], a.sink)
	a.hooked = true
}

func tuning(cfg DevicesConfig) lwzsvc.Tuning {
	return lwzsvc.Tuning{
		PassthroughProducts: cfg.PassthroughProducts,
		MinWriteInterval:    time.Duration(cfg.MinWriteIntervalMs) * time.Millisecond,
	}
}

func (a *Agent) LWZ() *lwzsvc.Service {
	return a.lwzSvc
}

func (a *Agent) Store() *lwzsvc.Store {
	return a.store
}

func (a *Agent) Logger() *zap.Logger {
	return a.log
}
