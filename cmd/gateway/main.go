// Command gateway wires together the TCP-to-MQTT Teltonika gateway: the
// composition root that replaces the teacher's cmd/server/main.go.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aarongabrielcy/codec-gateway/internal/admission"
	"github.com/aarongabrielcy/codec-gateway/internal/commands"
	"github.com/aarongabrielcy/codec-gateway/internal/config"
	"github.com/aarongabrielcy/codec-gateway/internal/dispatcher"
	"github.com/aarongabrielcy/codec-gateway/internal/events"
	"github.com/aarongabrielcy/codec-gateway/internal/imei"
	"github.com/aarongabrielcy/codec-gateway/internal/listener"
	"github.com/aarongabrielcy/codec-gateway/internal/observability"
	"github.com/aarongabrielcy/codec-gateway/internal/registry"
	"github.com/aarongabrielcy/codec-gateway/internal/sink"
	"github.com/aarongabrielcy/codec-gateway/internal/store"
)

func main() {
	logger := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger.Info("starting codec-gateway", "tcp_addr", cfg.TCPAddr, "metrics_addr", cfg.MetricsAddr)

	cache, err := store.New(cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	admissionCtl := admission.New(cfg.Admission)
	admissionCtl.StartSweep(time.Minute)
	defer admissionCtl.Stop()

	reg := registry.New()

	// fanout is handed to both the dispatcher and the listener before every
	// member sink exists — sink.MQTT itself needs the dispatcher to already
	// be constructed, so membership is filled in as each sink comes up.
	fanout := &events.MutableFanout{}
	fanout.Add(sink.NewLog(logger))

	disp := dispatcher.New(reg, fanout, dispatcher.DefaultMaxPending)

	if cfg.WebhookURL != "" {
		fanout.Add(sink.NewWebhook(cfg.WebhookURL, logger))
	}

	broadcast := sink.NewBroadcast(256)
	fanout.Add(broadcast)
	go drainDropSignal(broadcast, logger)

	if cfg.MQTTBroker != "" {
		mqttSink, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			SendTimeout: cfg.CommandSendTimeout,
		}, disp, logger)
		if err != nil {
			logger.Error("mqtt init failed", "err", err)
		} else {
			fanout.Add(mqttSink)
			defer mqttSink.Close()
		}
	}

	scheduler := commands.New(cache, disp, logger)
	fanout.Add(events.SinkFunc(func(e events.Event) {
		switch e.Kind {
		case events.KindAuthenticated:
			go scheduler.ScheduleAll(context.Background(), e.IMEI, cfg.CommandSendTimeout)
		case events.KindCommandResponse:
			scheduler.HandleCommandResponse(context.Background(), e.IMEI, e.ResponseText)
		}
	}))

	allow := imei.AllowList{
		Enabled: cfg.Admission.IMEIAllowEnabled,
		Set:     cfg.Admission.IMEIAllowList,
	}

	l := listener.New(admissionCtl, reg, disp, fanout, allow, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := observability.StartMetricsServer(cfg.MetricsAddr); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	if err := l.Serve(ctx, cfg.TCPAddr); err != nil {
		logger.Error("listener failed", "err", err)
		os.Exit(1)
	}

	logger.Info("codec-gateway stopped")
}

func drainDropSignal(b *sink.Broadcast, logger *slog.Logger) {
	for range b.DroppedSignal() {
		logger.Warn("broadcast sink dropping events, consumer too slow")
	}
}
