package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OpenHome/Songshark-Go/load"
)

func main() {
	endpoint := flag.String("endpoint", "127.0.0.1:51974", "stream destination address:port")
	rate := flag.Int("rate", 1000, "frames per second")
	duration := flag.Duration("duration", 10*time.Second, "stream duration (0 runs until interrupted)")
	size := flag.Int("size", 1024, "UDP payload size in bytes")
	dropEvery := flag.Int("drop-every", 0, "skip a sequence number after every N frames")
	haltEvery := flag.Int("halt-every", 0, "set the halt flag on every Nth frame")
	pause := flag.Duration("pause", 250*time.Millisecond, "silence after a halted frame")
	write := flag.String("write", "", "write a pcap file instead of sending")
	count := flag.Int("count", 10000, "frames to write with -write")
	flag.Parse()

	cfg := load.Config{
		Endpoint:    *endpoint,
		Rate:        *rate,
		Duration:    *duration,
		PayloadSize: *size,
		DropEvery:   *dropEvery,
		HaltEvery:   *haltEvery,
		Pause:       *pause,
	}

	if *write != "" {
		f, err := os.Create(*write)
		if err != nil {
			log.Fatalf("failed to create %s: %v", *write, err)
		}
		res, err := load.WriteSyntheticCapture(f, cfg, *count, time.Now())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Fatalf("synthetic capture failed: %v", err)
		}
		log.Printf("wrote %d frames to %s (%d skipped, %d halts)", res.Sent, *write, res.Skipped, res.Halts)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := load.RunSyntheticStream(ctx, cfg)
	if err != nil {
		log.Fatalf("synthetic stream failed: %v", err)
	}
	log.Printf("sent %d frames (%d skipped, %d halts)", res.Sent, res.Skipped, res.Halts)
}
