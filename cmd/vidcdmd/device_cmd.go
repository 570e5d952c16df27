package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/tibellium/vidcdm/internal/drm/playready"
	"github.com/tibellium/vidcdm/internal/drm/widevine"
)

// runDeviceCLI handles the "device" subcommand tree: inspecting a WVD or
// PRD file's metadata without performing a license exchange.
func runDeviceCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printDeviceUsage()
		return 0
	}

	switch args[0] {
	case "inspect":
		return runDeviceInspect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printDeviceUsage()
		return 2
	}
}

func printDeviceUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vidcdmd device inspect --type=widevine|playready --file device.wvd")
}

func runDeviceInspect(args []string) int {
	fs := flag.NewFlagSet("vidcdmd device inspect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var deviceType, path string
	fs.StringVar(&deviceType, "type", "", "device type: widevine or playready")
	fs.StringVar(&path, "file", "", "path to the device file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: --file is required")
		return 2
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read %s: %v\n", path, err)
		return 1
	}

	switch deviceType {
	case "widevine":
		return inspectWidevineDevice(data)
	case "playready":
		return inspectPlayReadyDevice(data)
	default:
		fmt.Fprintln(os.Stderr, "Error: --type must be \"widevine\" or \"playready\"")
		return 2
	}
}

func inspectWidevineDevice(data []byte) int {
	dev, err := widevine.LoadDevice(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("type:           widevine")
	fmt.Printf("device_type:    %s\n", dev.DeviceType)
	fmt.Printf("security_level: %s\n", dev.SecurityLevel)
	fmt.Printf("client_id_size: %d bytes\n", len(dev.ClientID))
	fmt.Printf("rsa_key_bits:   %d\n", dev.PrivateKey.N.BitLen())
	return 0
}

func inspectPlayReadyDevice(data []byte) int {
	dev, err := playready.LoadDevice(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println("type:             playready")
	fmt.Printf("security_level:   %s\n", dev.SecurityLevel)
	fmt.Printf("has_group_key:    %v\n", dev.GroupKey != nil)
	fmt.Printf("certificate_size: %d bytes\n", len(dev.GroupCertificate))
	fmt.Printf("signing_pubkey:   %s\n", hex.EncodeToString(dev.SigningKey.Public[:]))
	return 0
}
