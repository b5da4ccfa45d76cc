// Command worker runs the Worker Runner: it claims queued jobs, downloads
// input from the blob store, drives the pipeline engine, uploads the
// result, and finalizes job state — one job at a time per process.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ericvolp12/distributed-transcoder/blobstore"
	"github.com/ericvolp12/distributed-transcoder/broker"
	"github.com/ericvolp12/distributed-transcoder/config"
	"github.com/ericvolp12/distributed-transcoder/errkind"
	"github.com/ericvolp12/distributed-transcoder/pipeline"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/store/postgres"
	"github.com/ericvolp12/distributed-transcoder/wire"
)

// stallTimeout bounds how long the worker waits for a progress tick before
// abandoning a job as timed out — distinct from the API-side Stall
// Detector's store-level sweep, which also runs on a sixty-second period.
const stallTimeout = 60 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	suffix, err := workerSuffix()
	if err != nil {
		log.Fatalf("worker suffix: %v", err)
	}
	log.Printf("worker %s starting", suffix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	blobs, err := blobstore.NewS3Store(ctx, blobstore.Config{
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Bucket:          cfg.S3Bucket,
		EndpointURL:     cfg.S3EndpointURL,
	})
	if err != nil {
		log.Fatalf("blobstore: %v", err)
	}

	b := broker.NewAdapter(cfg.RabbitMQURL, func(ch *amqp.Channel) error {
		if err := broker.DeclareWorkTopology(ch); err != nil {
			return err
		}
		return broker.DeclareWorkerQueues(ch, suffix)
	})
	if err := b.Run(ctx); err != nil {
		log.Fatalf("broker: %v", err)
	}
	defer b.Close()

	if err := b.Channel().Qos(1, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}
	deliveries, err := b.Consume(broker.WorkQueue, "worker-"+suffix)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	w := &worker{suffix: suffix, store: db, blobs: blobs, broker: b, engine: pipeline.NewReferenceEngine()}

	log.Printf("worker %s ready, consuming %s", suffix, broker.WorkQueue)
	for {
		select {
		case <-ctx.Done():
			log.Println("worker: shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

type worker struct {
	suffix string
	store  store.Store
	blobs  blobstore.Store
	broker *broker.Adapter
	engine pipeline.Engine
}

// handle processes a single delivery end to end, per spec §4.9: decode,
// claim-guard, download, run, upload, finalize, publish, ack. Ack is always
// the final statement, on every path.
func (w *worker) handle(ctx context.Context, d amqp.Delivery) {
	defer d.Ack(false)

	var msg wire.JobSubmissionMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Printf("worker %s: bad submission message: %v", w.suffix, err)
		return
	}

	job, err := w.store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Printf("worker %s: lookup job %s: %v", w.suffix, msg.JobID, err)
		return
	}
	if job == nil {
		log.Printf("worker %s: job %s not found, dropping", w.suffix, msg.JobID)
		return
	}
	if job.State != store.JobQueued {
		log.Printf("worker %s: job %s already %s, skipping", w.suffix, msg.JobID, job.State)
		return
	}

	outcome, claimed, err := w.store.Claim(ctx, msg.JobID, w.suffix)
	if err != nil {
		log.Printf("worker %s: claim job %s: %v", w.suffix, msg.JobID, err)
		return
	}
	if outcome != store.ClaimClaimed {
		log.Printf("worker %s: job %s claim outcome %s, skipping", w.suffix, msg.JobID, outcome)
		return
	}

	w.run(ctx, claimed, msg)
}

func (w *worker) run(ctx context.Context, job *store.Job, msg wire.JobSubmissionMessage) {
	inputFile, err := os.CreateTemp("", "transcode-in-*")
	if err != nil {
		w.fail(ctx, job.JobID, errkind.New(errkind.Unknown, err.Error()))
		return
	}
	inputPath := inputFile.Name()
	inputFile.Close()
	defer os.Remove(inputPath)

	outputPath := inputPath + "-out"
	defer os.Remove(outputPath)

	if err := w.blobs.Download(ctx, job.InputS3Path, inputPath); err != nil {
		w.fail(ctx, job.JobID, errkind.New(errkind.S3Download, err.Error()))
		return
	}

	events, err := w.engine.Run(ctx, pipeline.Spec{InputFile: inputPath, OutputFile: outputPath, Pipeline: msg.TranscodeOptions})
	if err != nil {
		w.fail(ctx, job.JobID, errkind.New(errkind.PipelineParse, err.Error()))
		return
	}

	if err := w.drain(ctx, job.JobID, events); err != nil {
		w.fail(ctx, job.JobID, err)
		return
	}

	if err := w.blobs.Upload(ctx, job.OutputS3Path, outputPath); err != nil {
		w.fail(ctx, job.JobID, errkind.New(errkind.S3Upload, err.Error()))
		return
	}

	w.succeed(ctx, job)
}

// drain consumes the engine's event channel, publishing progress and
// watching for stalls via a timer reset on every tick, until the terminal
// event arrives.
func (w *worker) drain(ctx context.Context, jobID string, events <-chan pipeline.Event) *errkind.Error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return errkind.New(errkind.Unknown, "worker shutting down mid-transcode")
		case <-timer.C:
			return errkind.New(errkind.PipelineTimeout, "no progress within timeout")
		case ev, ok := <-events:
			if !ok {
				return errkind.New(errkind.MidTranscode, "pipeline closed without a terminal event")
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(stallTimeout)

			switch ev.Kind {
			case pipeline.EventProgress:
				w.publishProgress(ctx, jobID, ev.Progress)
			case pipeline.EventSuccess:
				return nil
			case pipeline.EventError:
				if e, ok := ev.Err.(*errkind.Error); ok {
					return e
				}
				return errkind.New(errkind.MidTranscode, ev.Err.Error())
			}
		}
	}
}

func (w *worker) publishProgress(ctx context.Context, jobID string, progress float64) {
	msg := wire.JobProgressMessage{
		Timestamp: time.Now().Unix(),
		WorkerID:  w.suffix,
		JobID:     jobID,
		Progress:  progress,
	}
	if err := w.broker.Publish(ctx, broker.ProgressExchange, broker.ProgressRoutingKey(w.suffix), msg); err != nil {
		log.Printf("worker %s: publish progress for %s: %v", w.suffix, jobID, err)
	}
}

func (w *worker) succeed(ctx context.Context, job *store.Job) {
	if err := w.store.Finalize(ctx, job.JobID, store.JobCompleted, nil, nil); err != nil {
		log.Printf("worker %s: finalize %s completed: %v", w.suffix, job.JobID, err)
		return
	}
	ts := time.Now().Unix()
	out := job.OutputS3Path
	w.publishResult(ctx, wire.JobResultMessage{
		JobID: job.JobID, Status: wire.StatusCompleted, Timestamp: &ts,
		WorkerID: &w.suffix, OutputS3Path: &out,
	})
}

func (w *worker) fail(ctx context.Context, jobID string, err *errkind.Error) {
	msg := err.Msg
	kind := string(err.Kind)
	log.Printf("worker %s: job %s failed (%s): %s", w.suffix, jobID, kind, msg)
	if fErr := w.store.Finalize(ctx, jobID, store.JobFailed, &msg, &kind); fErr != nil {
		log.Printf("worker %s: finalize %s failed: %v", w.suffix, jobID, fErr)
		return
	}
	ts := time.Now().Unix()
	w.publishResult(ctx, wire.JobResultMessage{
		JobID: jobID, Status: wire.StatusFailed, Timestamp: &ts,
		WorkerID: &w.suffix, Error: &msg, ErrorType: &kind,
	})
}

func (w *worker) publishResult(ctx context.Context, msg wire.JobResultMessage) {
	if err := w.broker.Publish(ctx, broker.ResultsExchange, broker.ResultsRoutingKey(w.suffix), msg); err != nil {
		log.Printf("worker %s: publish result for %s: %v", w.suffix, msg.JobID, err)
	}
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// workerSuffix generates the five-character alphanumeric worker identity
// used for private progress/results queues and routing keys, per spec §6.
func workerSuffix() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate worker suffix: %w", err)
	}
	out := make([]byte, 5)
	for i, v := range b {
		out[i] = suffixAlphabet[int(v)%len(suffixAlphabet)]
	}
	return string(out), nil
}
