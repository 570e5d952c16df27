// Command vidsniff decodes a PSSH box from a file, a base64 string, or
// stdin and prints its protection-system identity, key IDs, and (where
// decodable) a summary of the embedded init data.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tibellium/vidcdm/internal/drm/playready"
	"github.com/tibellium/vidcdm/internal/drm/pssh"
	"github.com/tibellium/vidcdm/internal/drm/types"
	"github.com/tibellium/vidcdm/internal/drm/widevine"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		file   = flag.String("file", "", "path to a raw PSSH box")
		b64    = flag.String("base64", "", "base64-encoded PSSH box")
		fromIn = flag.Bool("stdin", false, "read a raw PSSH box from stdin")
	)
	flag.Parse()

	box, err := loadBox(*file, *b64, *fromIn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	printSummary(box)
	return 0
}

func loadBox(file, b64 string, fromStdin bool) (pssh.Box, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return pssh.Box{}, fmt.Errorf("read %s: %w", file, err)
		}
		return pssh.FromBytes(data)
	case b64 != "":
		return pssh.FromBase64(b64)
	case fromStdin:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return pssh.Box{}, fmt.Errorf("read stdin: %w", err)
		}
		return pssh.FromBytes(data)
	default:
		return pssh.Box{}, fmt.Errorf("one of --file, --base64 or --stdin is required")
	}
}

func printSummary(box pssh.Box) {
	system := box.DRMSystem()
	fmt.Printf("version:    %d\n", box.Version)
	fmt.Printf("system_id:  %s (%s)\n", system, hex.EncodeToString(box.SystemID[:]))
	fmt.Printf("data_size:  %d bytes\n", len(box.InitData()))

	keyIDs := box.KeyIDList()
	fmt.Printf("key_ids:    %d\n", len(keyIDs))
	for _, kid := range keyIDs {
		fmt.Printf("  %s\n", hex.EncodeToString(kid[:]))
	}

	switch {
	case system.Equal(types.Widevine):
		printWidevineInitData(box.InitData())
	case system.Equal(types.PlayReady):
		printPlayReadyInitData(box.InitData())
	}
}

func printWidevineInitData(data []byte) {
	init, err := widevine.DecodePsshInitData(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "widevine init data: %v\n", err)
		return
	}
	fmt.Printf("algorithm:  %d\n", init.Algorithm)
	fmt.Printf("content_id: %s\n", hex.EncodeToString(init.ContentID))
	fmt.Printf("provider:   %s\n", init.Provider)
	for _, kid := range init.KeyIDs {
		fmt.Printf("  init_key_id: %s\n", hex.EncodeToString(kid))
	}
}

func printPlayReadyInitData(data []byte) {
	xml, err := playready.ExtractWRMHeaderXML(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "playready header: %v\n", err)
		return
	}
	header, err := playready.ParseWRMHeader(xml)
	if err != nil {
		fmt.Fprintf(os.Stderr, "playready header: %v\n", err)
		return
	}
	fmt.Printf("protocol_version: %d\n", header.ProtocolVersion())
	fmt.Println("wrm_header_xml:")
	fmt.Println(xml)
}
