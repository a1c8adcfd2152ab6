package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/app"
	"github.com/convergecrm/wabridge/internal/broadcast"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/internal/ingest"
	"github.com/convergecrm/wabridge/internal/session"
	"github.com/convergecrm/wabridge/internal/watchdog"
	"github.com/convergecrm/wabridge/internal/webapi"
)

var (
	h        = flag.Bool("h", false, "help usage")
	x        = flag.Bool("x", false, "debug mode")
	initdb   = flag.Bool("initdb", false, "drop and recreate the database schema")
	conffile = flag.String("c", "", "config yaml file")
	pairSess = flag.String("pair", "", "start the given session and render its QR in the terminal")
)

func main() {
	flag.Parse()
	if *h {
		fmt.Fprintf(os.Stderr, "Usage: wabridge [options]\n")
		flag.PrintDefaults()
		return
	}

	cfg := config.LoadConfig(*conffile)
	if *x {
		cfg.System.Debug = true
		cfg.Logger.Mode = "development"
	}
	if err := cfg.InitDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "init dirs failed: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	sqlDB, err := application.DB().DB()
	if err != nil {
		zap.S().Fatalf("database handle unavailable: %v", err)
	}
	store, err := adapter.NewMeowStore(context.Background(), sqlDB, cfg.Database.Type)
	if err != nil {
		zap.S().Fatalf("whatsmeow store init failed: %v", err)
	}

	bcast := broadcast.New()
	if cfg.Mq.Enabled {
		egress, eerr := broadcast.NewAmqpEgress(cfg.Mq.URL, cfg.Mq.Exchange)
		if eerr != nil {
			zap.L().Warn("amqp egress unavailable, continuing without it", zap.Error(eerr))
		} else {
			bcast.WithEgress(egress)
		}
	}

	resolver := ingest.NewResolver(application.DB())
	ingestor := ingest.NewIngestor(application.DB(), resolver, bcast)
	manager := session.NewManager(application.DB(), store.NewAdapter, ingestor, bcast, cfg.Whatsapp).
		WithDeviceStore(store)

	wd, err := watchdog.New(application.DB(), manager, ingestor, cfg.Whatsapp)
	if err != nil {
		zap.S().Fatalf("watchdog init failed: %v", err)
	}
	if err := wd.Register(application.Scheduler()); err != nil {
		zap.L().Error("watchdog register failed", zap.Error(err))
	}

	if *pairSess != "" {
		runPair(manager, bcast, *pairSess)
		return
	}

	if application.GetSettingsBoolValue("whatsapp", "auto_restore") {
		restored := manager.Restore(context.Background())
		zap.L().Info("sessions restored", zap.Int("count", restored))
	}

	server := webapi.NewServer(cfg.Web, application.DB(), manager, ingestor, wd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		manager.Shutdown(shctx)
		wd.Close()
		bcast.Close()
		return server.Shutdown(shctx)
	})
	if err := g.Wait(); err != nil {
		zap.L().Error("exited with error", zap.Error(err))
	}
}

// runPair drives a one-shot terminal pairing flow for operators without the
// CRM frontend at hand.
func runPair(manager *session.Manager, bcast *broadcast.Broadcaster, sessionID string) {
	paired := make(chan struct{})
	var once sync.Once

	sub, err := bcast.Join(broadcast.SessionRoom(sessionID), func(event string, payload interface{}) {
		switch event {
		case broadcast.EventSessionQR:
			data, ok := payload.(map[string]interface{})
			if !ok {
				return
			}
			code, _ := data["qr"].(string)
			if code == "" {
				return
			}
			fmt.Println("Scan the QR code with WhatsApp:")
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		case broadcast.EventSessionUpdated:
			sess, ok := payload.(*domain.WhatsappSession)
			if ok && sess.State == domain.SessionConnected {
				fmt.Printf("Paired as %s\n", sess.PhoneNumber)
				once.Do(func() { close(paired) })
			}
		}
	})
	if err != nil {
		zap.S().Fatalf("pair subscribe failed: %v", err)
	}
	defer sub.Leave()

	if _, err := manager.Start(context.Background(), session.StartRequest{SessionID: sessionID}); err != nil {
		zap.S().Fatalf("pair start failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-paired:
	case <-sig:
		fmt.Println("pairing aborted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(ctx, sessionID); err != nil {
		zap.L().Warn("pair stop failed", zap.Error(err))
	}
}
