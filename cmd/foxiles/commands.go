package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/foxiles/pkg/config"
	"github.com/Mindburn-Labs/foxiles/pkg/container"
	"github.com/Mindburn-Labs/foxiles/pkg/kms"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger/solana"
	"github.com/Mindburn-Labs/foxiles/pkg/observability"
	"github.com/Mindburn-Labs/foxiles/pkg/release"
	"github.com/Mindburn-Labs/foxiles/pkg/tamper"
	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
)

const allRules = tamper.RuleExternalUpload + "," + tamper.RuleLocalCopy + "," + tamper.RuleNetworkRelay

// runProtectCmd seals a local file without touching custody. The key is
// printed once and is the only way back in.
func runProtectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("protect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "File to protect (required)")
	out := fs.String("out", "", "Container output path (default <in>.fox)")
	owner := fs.String("owner", "", "Owner identity (required)")
	kind := fs.String("kind", container.KindOther, "Content kind or MIME type")
	fingerprint := fs.String("fingerprint", "", "Consumer fingerprint (default: this host)")
	rules := fs.String("rules", allRules, "Comma separated DRM rules")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" || *owner == "" {
		fmt.Fprintln(stderr, "Error: --in and --owner are required")
		return 2
	}
	if *out == "" {
		*out = *in + ".fox"
	}

	ruleSet, err := tamper.ParseRules(*rules)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	fp := container.Fingerprint(*fingerprint)
	if fp == "" {
		if fp, err = (tamper.HostFingerprint{}).Capture(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	plain, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, key, m, err := release.Seal(plain, *owner, *kind, ruleSet, fp, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "tracking_id: %s\n", m.TrackingID)
	fmt.Fprintf(stdout, "container:   %s\n", *out)
	fmt.Fprintf(stdout, "key:         %s\n", base64.StdEncoding.EncodeToString(key))
	return 0
}

func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "Container to inspect (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "Error: --in is required")
		return 2
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	m, err := container.DecodeMetadata(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runOpenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "Container to open (required)")
	keyB64 := fs.String("key", "", "Base64 content key (required)")
	out := fs.String("out", "", "Write plaintext here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" || *keyB64 == "" {
		fmt.Fprintln(stderr, "Error: --in and --key are required")
		return 2
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*keyB64))
	if err != nil {
		fmt.Fprintf(stderr, "Error: key: %v\n", err)
		return 2
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	plain, _, err := release.Open(data, key)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *out == "" {
		_, err = stdout.Write(plain)
	} else {
		err = os.WriteFile(*out, plain, 0o600)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runWatchCmd watches for a single payment and exits 0 only when it confirms.
func runWatchCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	reference := fs.String("reference", "", "Correlation tag expected in the memo (required)")
	receiver := fs.String("receiver", "", "Receiver address (required)")
	amount := fs.Uint64("amount", 0, "Expected amount in minor units (required)")
	deadline := fs.Duration("deadline", 5*time.Minute, "How long to wait")
	poll := fs.Duration("poll", 2*time.Second, "Poll interval")
	rpc := fs.String("rpc", solana.DefaultEndpoint, "Solana RPC endpoint")
	dev := fs.Bool("dev", false, "Use an in-process ledger that never sees payments")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *reference == "" || *receiver == "" || *amount == 0 {
		fmt.Fprintln(stderr, "Error: --reference, --receiver and --amount are required")
		return 2
	}

	var oracle ledger.Oracle
	if *dev {
		oracle = ledger.NewMemory()
	} else {
		oracle = solana.NewClient(solana.Config{Endpoint: *rpc})
	}
	w := watcher.New(oracle, nil, watcher.Config{PollInterval: *poll})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, err := w.Watch(ctx, watcher.Intent{
		Reference:                *reference,
		ReceiverAddress:          *receiver,
		ExpectedAmountMinorUnits: *amount,
		Deadline:                 time.Now().Add(*deadline),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	<-h.Done()

	o := h.Current()
	switch {
	case o.Authentic():
		fmt.Fprintf(stdout, "confirmed: signature=%s\n", o.Transfer.Signature)
		return 0
	case o.Reason != "":
		fmt.Fprintf(stdout, "%s: %s\n", o.State, o.Reason)
	default:
		fmt.Fprintln(stdout, o.State)
	}
	return 1
}

// runReissueCmd re-keys a stored container for its owner against the
// configured custody and artifact stores.
func runReissueCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reissue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	id := fs.String("tracking-id", "", "Tracking ID of the container (required)")
	owner := fs.String("owner", "", "Owner identity (required)")
	rules := fs.String("rules", "", "Replace DRM rules (comma separated); keeps current rules when empty")
	out := fs.String("out", "", "Also write the successor container here")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	trackingID, err := uuid.Parse(*id)
	if err != nil || *owner == "" {
		fmt.Fprintln(stderr, "Error: --tracking-id (uuid) and --owner are required")
		return 2
	}
	var newRules *container.RuleSet
	if *rules != "" {
		rs, err := tamper.ParseRules(*rules)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		newRules = &rs
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	// Reissue never watches the ledger.
	cfg.Dev = true
	cfg.Telemetry = observability.DefaultConfig()

	ctx := context.Background()
	d, err := openDeps(ctx, cfg, newLogger(cfg, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer d.Close()

	coord, err := d.coordinator(d.watcher(), nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer coord.Close()

	p, err := coord.Reissue(ctx, trackingID, *owner, newRules)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *out != "" {
		if err := os.WriteFile(*out, p.Container, 0o600); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stdout, "tracking_id: %s\n", p.Metadata.TrackingID)
	fmt.Fprintf(stdout, "container:   %s\n", p.ContainerRef)
	fmt.Fprintf(stdout, "key:         %s\n", base64.StdEncoding.EncodeToString(p.Key))
	return 0
}

func runRotateKeyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rotate-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	k, err := kms.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v, err := k.Rotate()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "active key version: %d\n", v)
	return 0
}
