package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ericvolp12/distributed-transcoder/config"
	"github.com/ericvolp12/distributed-transcoder/consumer"
	"github.com/ericvolp12/distributed-transcoder/dispatcher"
	"github.com/ericvolp12/distributed-transcoder/eventbus"
	"github.com/ericvolp12/distributed-transcoder/router"
	"github.com/ericvolp12/distributed-transcoder/stalldetector"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/store/postgres"
	"github.com/ericvolp12/distributed-transcoder/subscription"

	"github.com/ericvolp12/distributed-transcoder/broker"
)

var version = "dev"

// defaultPresets mirrors the reference deployment's seed catalog: GStreamer
// pipeline templates scaling mp4/mkv inputs to 1080p/720p/480p, matched by
// name so re-seeding an existing database is a no-op.
var defaultPresets = []store.Preset{
	{
		Name: "Scale to 1080p x265 (1.5 mbit) mp4->mp4", InputType: "mp4", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1920, height=1080 ! x265enc bitrate=1536 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x265 (1 mbit) mp4->mp4", InputType: "mp4", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x265enc bitrate=1024 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x264 (1 mbit) mp4->mp4", InputType: "mp4", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x264enc bitrate=1536 ! {{progress}} ! h264parse ! mux.video_0",
	},
	{
		Name: "Scale to 480p x265 (756 kbit) mp4->mp4", InputType: "mp4", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=640, height=480 ! x265enc bitrate=768 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 1080p x265 (1.5 mbit) mp4->mkv", InputType: "mp4", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1920, height=1080 ! x265enc bitrate=1536 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x265 (1 mbit) mp4->mkv", InputType: "mp4", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x265enc bitrate=1024 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 480p x265 (756 kbit) mp4->mkv", InputType: "mp4", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! qtdemux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=640, height=480 ! x265enc bitrate=768 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 1080p x265 (1.5 mbit) mkv->mp4", InputType: "mkv", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1920, height=1080 ! x265enc bitrate=1536 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x265 (1 mbit) mkv->mp4", InputType: "mkv", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x265enc bitrate=1024 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x264 (2 mbit) mkv->mp4", InputType: "mkv", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x264enc bitrate=1024 ! {{progress}} ! h264parse ! mux.video_0",
	},
	{
		Name: "Scale to 480p x265 (756 kbit) mkv->mp4", InputType: "mkv", OutputType: "mp4",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d mp4mux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=640, height=480 ! x265enc bitrate=768 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 1080p x265 (1.5 mbit) mkv->mkv", InputType: "mkv", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1920, height=1080 ! x265enc bitrate=1536 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 720p x265 (1 mbit) mkv->mkv", InputType: "mkv", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=1280, height=720 ! x265enc bitrate=1024 ! {{progress}} ! h265parse ! mux.video_0",
	},
	{
		Name: "Scale to 480p x265 (756 kbit) mkv->mkv", InputType: "mkv", OutputType: "mkv",
		Pipeline: "filesrc location={{input_file}} ! matroskademux name=d matroskamux name=mux ! filesink location={{output_file}} d.audio_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! audioconvert ! avenc_aac ! mux.audio_0 d.video_0 ! queue max-size-buffers=0 max-size-bytes=0 max-size-time=0 ! decodebin ! videoscale ! video/x-raw,width=640, height=480 ! x265enc bitrate=768 ! {{progress}} ! h265parse ! mux.video_0",
	},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	fmt.Printf("distributed-transcoder-api %s\n", version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Open postgres store + run migrations.
	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	// Seed admin user if ADMIN_PASSWORD is set and no users exist yet.
	if cfg.AdminPassword != "" {
		if err := db.SeedAdminUser(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatalf("seed admin user: %v", err)
		}
		log.Printf("seeded admin user: %s", cfg.AdminUsername)
	} else {
		log.Println("ADMIN_PASSWORD not set; skipping admin user seeding")
	}

	if err := db.SeedDefaultPresets(ctx, defaultPresets); err != nil {
		log.Fatalf("seed default presets: %v", err)
	}

	bus := eventbus.NewBus()
	tracker := eventbus.NewTracker()

	b := broker.NewAdapter(cfg.RabbitMQURL, func(ch *amqp.Channel) error {
		if err := broker.DeclareWorkTopology(ch); err != nil {
			return err
		}
		return broker.DeclareConsumerQueues(ch)
	})
	if err := b.Run(ctx); err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer b.Close()

	disp := dispatcher.New(db, b)

	cons := consumer.New(b, db, bus, tracker)
	go func() {
		if err := cons.Run(ctx); err != nil {
			log.Printf("consumer: %v", err)
		}
	}()

	detector := stalldetector.New(db, bus, tracker)
	go detector.Run(ctx)

	sub := subscription.New(db, bus, tracker)

	// Periodically delete expired sessions (every hour).
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.DeleteExpiredSessions(ctx); err != nil {
				log.Printf("delete expired sessions: %v", err)
			}
		}
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: router.New(router.Deps{
			Store:        db,
			Dispatcher:   disp,
			Subscription: sub,
			JWTSecret:    cfg.JWTSecret,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
