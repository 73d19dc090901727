package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"spectracam/internal/wire"
)

func main() {
	path := flag.String("path", "", "Path to a CBOR message file or a directory of .cbor files")
	limit := flag.Int("limit", 5, "Max number of image messages to summarize")
	flag.Parse()

	if *path == "" {
		log.Fatal("missing -path")
	}

	files, err := listFiles(*path)
	if err != nil {
		log.Fatalf("list files: %v", err)
	}

	var imageCount, startCount, endCount, failed int
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			log.Printf("read %s: %v", file, err)
			failed++
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("decode %s: %v", file, err)
			failed++
			continue
		}

		switch msg.Type {
		case wire.TypeStart:
			startCount++
			fmt.Printf("start: %s\n", file)
			printMeta(msg.Meta)
		case wire.TypeEnd:
			endCount++
			fmt.Printf("end: %s\n", file)
			printMeta(msg.Meta)
		case wire.TypeImage:
			imageCount++
			if imageCount <= *limit {
				f := msg.Frame
				fmt.Printf("image: %s\n", file)
				fmt.Printf("  frame_id: %d\n", f.Sequence)
				fmt.Printf("  timestamp: %.6f\n", f.Timestamp)
				fmt.Printf("  dims: %dx%d (%d bytes)\n", f.Width, f.Height, len(f.Pix))
			}
		}
	}

	fmt.Printf("summary: start=%d image=%d end=%d failed=%d\n", startCount, imageCount, endCount, failed)
}

func printMeta(meta map[string]any) {
	pretty, err := json.MarshalIndent(wire.NormalizeJSONValue(meta), "  ", "  ")
	if err != nil {
		fmt.Printf("  meta: %v\n", err)
		return
	}
	fmt.Printf("  %s\n", pretty)
}

func listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) == ".cbor" {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
