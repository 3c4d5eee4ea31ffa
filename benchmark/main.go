// Package main measures upload queue throughput. It writes a number of small
// files, enqueues them all on the regular queue and times how long the single
// worker takes to copy them into a directory archive.
//
// Usage:
//
//	go run ./benchmark -files 10000 -size 4096
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/netcheck"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/guido-cesarano/pipelined/pkg/upload"
)

func main() {
	numFiles := flag.Int("files", 10000, "Number of files to upload")
	size := flag.Int("size", 4096, "Size of each file in bytes")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	flag.Parse()

	work, err := os.MkdirTemp("", "pipelined-bench-")
	if err != nil {
		fmt.Printf("Error creating work dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(work)
	src := filepath.Join(work, "src")
	dst := filepath.Join(work, "remote")

	fmt.Printf("Upload Queue Benchmark\n")
	fmt.Printf("======================\n")
	fmt.Printf("Files: %d x %d bytes\n", *numFiles, *size)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	if err := writeFiles(src, *numFiles, *size); err != nil {
		fmt.Printf("Error writing files: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rec := status.NewRecorder(prefs.NewMemoryStore("bench"), nil, "BenchmarkUploadService")
	q := upload.New(ctx, upload.Options{
		Kind:         upload.KindRegular,
		Remotes:      []archive.Remote{archive.NewDirArchive("bench", dst)},
		Connectivity: netcheck.NewStatic(true),
		Status:       rec,
	})
	defer q.Close()

	fmt.Printf("Starting enqueue phase...\n")
	start := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perWorker := *numFiles / *numWorkers
	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ok, err := q.Enqueue(tasks.Item{
					FilePath:     filepath.Join(src, fileName(workerID*perWorker+j)),
					RemoteTarget: "bench",
					EnqueuedAt:   time.Now(),
				})
				if err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				if ok {
					enqueued.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()
	enqueueTime := time.Since(start)

	fmt.Printf("✓ Enqueued %d files in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f files/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for the queue to drain...\n")
	q.Wait()
	total := time.Since(start)

	uploaded, _ := archive.Files(dst)
	fmt.Printf("\n✓ Uploaded %d files in %s\n", len(uploaded), total)
	fmt.Printf("  Throughput: %.2f files/sec, %.2f MB/s\n",
		float64(len(uploaded))/total.Seconds(),
		float64(len(uploaded)*(*size))/total.Seconds()/(1<<20))

	last, err := rec.Last(ctx)
	if err == nil {
		fmt.Printf("Last status: %s (%s)\n", last.Message, last.Time)
	}
}

func fileName(i int) string {
	return fmt.Sprintf("file-%07d.bin", i)
}

func writeFiles(dir string, n, size int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	buf := make([]byte, size)
	for i := 0; i < n; i++ {
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, fileName(i)), buf, 0o644); err != nil {
			return err
		}
	}
	return nil
}
