package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"spectracam/internal/frame"
	"spectracam/internal/output"
	"spectracam/internal/wire"
)

func main() {
	var (
		path   = flag.String("path", "", "Path to a frame log .bin file")
		limit  = flag.Int("limit", 1, "Number of records to dump (0 for all)")
		export = flag.String("export", "", "Write each image record as a TIFF into this directory")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open frame log: %v", err)
	}
	defer f.Close()

	reader, err := output.NewFrameLogReader(f)
	if err != nil {
		log.Fatalf("open frame log: %v", err)
	}
	if *export != "" {
		if err := os.MkdirAll(*export, 0o755); err != nil {
			log.Fatalf("create export dir: %v", err)
		}
	}

	for count := 0; *limit <= 0 || count < *limit; count++ {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}
		log.Printf("record %d timestamp=%s size=%d", count, rec.Time.Format(time.RFC3339Nano), len(rec.Payload))

		msg, err := wire.Decode(rec.Payload)
		if err != nil {
			log.Printf("record %d: decode error: %v", count, err)
			continue
		}
		if msg.Type != wire.TypeImage {
			pretty, err := json.MarshalIndent(wire.NormalizeJSONValue(msg.Meta), "", "  ")
			if err != nil {
				log.Printf("record %d: JSON encode error: %v", count, err)
				continue
			}
			fmt.Printf("%s: %s\n", msg.Type, pretty)
			continue
		}

		wf := msg.Frame
		fmt.Printf("image: frame_id=%d timestamp=%.6f dims=%dx%d\n", wf.Sequence, wf.Timestamp, wf.Width, wf.Height)
		if *export == "" {
			continue
		}
		img, err := frame.Own(wf.Pix, wf.Width, wf.Height, wf.Width, len(wf.Pix))
		if err != nil {
			log.Printf("record %d: %v", count, err)
			continue
		}
		name := filepath.Join(*export, fmt.Sprintf("frame_%08d.tif", wf.Sequence))
		if err := output.WriteTIFF(name, img); err != nil {
			log.Printf("record %d: export: %v", count, err)
		}
	}
}
