//go:build ignore

// Package main generates a synthetic document corpus for manual testing
// and benchmarking.
// Usage: go run scripts/generate-test-corpus.go -files 500 -output testdata/corpus
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 500, "Number of documents to generate")
	outputDir = flag.String("output", "testdata/corpus", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var topics = []string{
	"deployment", "monitoring", "storage", "networking", "authentication",
	"caching", "scheduling", "replication", "compression", "migration",
}

var sentences = []string{
	"The %s subsystem exposes a small configuration surface and sensible defaults.",
	"Operators should review %s settings before rolling out to production.",
	"Failures in %s are retried with exponential backoff and surfaced in the logs.",
	"The %s pipeline processes records in batches to bound memory usage.",
	"Changes to %s take effect on the next restart of the service.",
	"Capacity planning for %s depends on the expected write rate.",
	"The %s layer persists its state to local disk between runs.",
	"Alerting thresholds for %s should track the p99 latency, not the mean.",
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *numFiles; i++ {
		topic := topics[rng.Intn(len(topics))]
		var b strings.Builder
		fmt.Fprintf(&b, "# Notes on %s (%d)\n\n", topic, i)

		paragraphs := 3 + rng.Intn(8)
		for p := 0; p < paragraphs; p++ {
			lines := 2 + rng.Intn(4)
			for l := 0; l < lines; l++ {
				fmt.Fprintf(&b, sentences[rng.Intn(len(sentences))]+" ", topic)
			}
			b.WriteString("\n\n")
		}

		name := fmt.Sprintf("%s-%04d.md", topic, i)
		if err := os.WriteFile(filepath.Join(*outputDir, name), []byte(b.String()), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	fmt.Printf("generated %d documents in %s\n", *numFiles, *outputDir)
}
