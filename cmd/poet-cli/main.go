// Command poet-cli performs the one-time, out-of-band steps an operator
// runs before a validator's poet-engine daemon can participate in
// consensus: registering with the TEE and submitting the resulting
// validator-registry enrollment transaction, and printing the enclave's
// measurement/basename for populating the sawtooth.poet.valid_enclave_*
// governance settings.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/r3e-network/poet-validator/internal/enclavemode"
	"github.com/r3e-network/poet-validator/internal/enclaverpc"
	"github.com/r3e-network/poet-validator/internal/enclavesim"
	"github.com/r3e-network/poet-validator/internal/engine/metrics"
	"github.com/r3e-network/poet-validator/internal/enrollment"
	"github.com/r3e-network/poet-validator/internal/httputil"
	"github.com/r3e-network/poet-validator/internal/iasclient"
	"github.com/r3e-network/poet-validator/internal/poetkey"
	"github.com/r3e-network/poet-validator/internal/poetsettings"
	"github.com/r3e-network/poet-validator/internal/transport"
)

const exitCLIParse = 2

func main() {
	log.SetFlags(0)
	log.SetPrefix("poet-cli: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitCLIParse)
	}

	globalFlags := flag.NewFlagSet("poet-cli", flag.ContinueOnError)
	enclaveModuleFlag := globalFlags.String("enclave-module", string(enclavemode.ModuleSimulator), "TEE realization: simulator or sgx")
	verbosity := globalFlags.Int("v", 0, "verbosity level, given as -v=N; a bare -v or -v N is rejected")

	args := os.Args[1:]
	// Split global flags (which may appear before the subcommand) from the
	// subcommand and its own flags, so --enclave-module can precede
	// either subcommand.
	splitIdx := 0
	for splitIdx < len(args) && strings.HasPrefix(args[splitIdx], "-") {
		splitIdx++
	}
	if err := globalFlags.Parse(args[:splitIdx]); err != nil {
		os.Exit(exitCLIParse)
	}
	rest := args[splitIdx:]
	if len(rest) == 0 {
		usage()
		os.Exit(exitCLIParse)
	}

	module, err := enclavemode.Parse(*enclaveModuleFlag)
	if err != nil {
		log.Printf("%v", err)
		os.Exit(exitCLIParse)
	}
	if *verbosity > 0 {
		log.Printf("enclave-module=%s verbosity=%d", module, *verbosity)
	}

	switch rest[0] {
	case "registration":
		runRegistration(module, rest[1:])
	case "enclave":
		runEnclave(module, rest[1:])
	case "settings":
		runSettings(rest[1:])
	default:
		log.Printf("unknown command %q", rest[0])
		usage()
		os.Exit(exitCLIParse)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  poet-cli --enclave-module {simulator|sgx} [-v=N] registration create [--key PATH] [--output PATH] [--url URL] [--settings PATH]
  poet-cli --enclave-module {simulator|sgx} registration status --url URL --batch-id ID
  poet-cli --enclave-module {simulator|sgx} enclave {measurement|basename}
  poet-cli settings show --settings PATH`)
}

func runRegistration(module enclavemode.Module, args []string) {
	if len(args) == 0 {
		log.Printf("registration: expected %q or %q subcommand", "create", "status")
		os.Exit(exitCLIParse)
	}
	if args[0] == "status" {
		runRegistrationStatus(args[1:])
		return
	}
	if args[0] != "create" {
		log.Printf("registration: unknown subcommand %q", args[0])
		os.Exit(exitCLIParse)
	}

	fs := flag.NewFlagSet("registration create", flag.ExitOnError)
	keyPath := fs.String("key", "", "path to hex-encoded secp256k1 signing key (default "+poetkey.DefaultKeyPath+")")
	outputPath := fs.String("output", "", "write the serialized batch list here instead of (or in addition to) submitting it")
	url := fs.String("url", "", "ledger submission URL, e.g. http://localhost:8008")
	connect := fs.String("connect", "", "enclave RPC address (tcp://host:port); required for --enclave-module sgx")
	blockID := fs.String("block-id", strings.Repeat("0", 32), "recent block ID used as the enrollment nonce (must decode to >=32 UTF-8 bytes)")
	sigRevocationList := fs.String("sig-rl", "", "signature revocation list to install before enrollment")
	iasURL := fs.String("ias-url", "", "attestation service base URL; when set, the enclave's quote is submitted for an AVR before enrollment")
	iasSubscriptionKey := fs.String("ias-subscription-key", "", "attestation service subscription key")
	timeout := fs.Duration("rpc-timeout", enclaverpc.DefaultTimeout, "timeout for each enclave RPC call")
	settingsPath := fs.String("settings", "", "path to a genesis settings descriptor (YAML/JSON); when set, the enclave's measurement/basename are checked against its allowlists before submission")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(exitCLIParse)
	}

	if *url == "" && *outputPath == "" {
		log.Printf("registration create: at least one of --url or --output is required")
		os.Exit(1)
	}

	key, err := poetkey.LoadPrivateKey(*keyPath)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	enrollSvc, closeSvc, err := enrollmentService(ctx, module, *connect)
	if err != nil {
		log.Fatalf("connect to enclave: %v", err)
	}
	defer closeSvc()

	if err := enrollSvc.InitEnclave(ctx, *timeout); err != nil {
		log.Fatalf("init enclave: %v", err)
	}
	if *sigRevocationList != "" {
		if err := enrollSvc.SetSigRevocationList(ctx, *sigRevocationList, *timeout); err != nil {
			log.Fatalf("set signature revocation list: %v", err)
		}
	}

	signupInfo, err := enrollSvc.CreateSignupInfo(ctx, *timeout)
	if err != nil {
		log.Fatalf("create signup info: %v", err)
	}

	if *settingsPath != "" {
		descriptor, err := poetsettings.Load(*settingsPath)
		if err != nil {
			log.Fatalf("load genesis settings: %v", err)
		}
		if err := descriptor.Validate(); err != nil {
			log.Fatalf("genesis settings: %v", err)
		}
		if module == enclavemode.ModuleSimulator {
			sim := enclavesim.New(enclavesim.Config{})
			if !descriptor.AllowsMeasurement(sim.Measurement()) {
				log.Fatalf("enclave measurement %s is not in the configured allowlist", sim.Measurement())
			}
			if !descriptor.AllowsBasename(sim.Basename()) {
				log.Fatalf("enclave basename %s is not in the configured allowlist", sim.Basename())
			}
		}
	}

	if *iasURL != "" {
		ias := iasclient.New(iasclient.Config{BaseURL: *iasURL, SubscriptionKey: *iasSubscriptionKey})
		report, err := ias.SubmitQuote(ctx, signupInfo)
		if err != nil {
			log.Fatalf("submit quote to attestation service: %v", err)
		}
		signupInfo, err = report.Marshal()
		if err != nil {
			log.Fatalf("marshal attestation report: %v", err)
		}
	}

	batchList, err := enrollment.Build(key, []byte(*blockID), signupInfo)
	if err != nil {
		log.Fatalf("build enrollment batch: %v", err)
	}

	encoded, err := enrollment.Encode(batchList)
	if err != nil {
		log.Fatalf("encode batch list: %v", err)
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("write %s: %v", *outputPath, err)
		}
		log.Printf("wrote genesis batch list to %s (%d bytes)", *outputPath, len(encoded))
	}

	if *url != "" {
		client := httputil.NewRESTClient(httputil.RESTClientConfig{BaseURL: *url})
		collector := metrics.NewCollector("poet_cli")

		respBody, err := enrollment.Submit(ctx, client, batchList)
		collector.RecordEnrollmentSubmission(err)
		if err != nil {
			log.Fatalf("submit batch list: %v", err)
		}
		log.Printf("submitted enrollment for validator %s (batch %s): %s", key.PublicKeyHex(), batchList.Batches[0].HeaderSignature, respBody)
	}
}

// runRegistrationStatus queries the ledger's batch-status endpoint for a
// previously submitted enrollment batch, following the Sawtooth REST API's
// GET /batch_statuses?id=... convention.
func runRegistrationStatus(args []string) {
	fs := flag.NewFlagSet("registration status", flag.ExitOnError)
	url := fs.String("url", "", "ledger submission URL, e.g. http://localhost:8008")
	batchID := fs.String("batch-id", "", "batch header_signature returned by 'registration create'")
	if err := fs.Parse(args); err != nil {
		os.Exit(exitCLIParse)
	}
	if *url == "" || *batchID == "" {
		log.Printf("registration status: --url and --batch-id are both required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := httputil.NewRESTClient(httputil.RESTClientConfig{BaseURL: *url})
	resp, err := client.Get(ctx, "/batch_statuses?id="+*batchID)
	if err != nil {
		log.Fatalf("query batch status: %v", err)
	}

	var status struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := httputil.DecodeResponse(resp, &status); err != nil {
		log.Fatalf("decode batch status response: %v", err)
	}

	for _, entry := range status.Data {
		log.Printf("batch %s: %s", entry.ID, entry.Status)
	}
}

// runSettings dispatches the poet-cli settings subcommands.
func runSettings(args []string) {
	if len(args) == 0 || args[0] != "show" {
		log.Printf("settings: only the %q subcommand is supported", "show")
		os.Exit(exitCLIParse)
	}

	fs := flag.NewFlagSet("settings show", flag.ExitOnError)
	settingsPath := fs.String("settings", "", "path to a genesis settings descriptor (YAML/JSON)")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(exitCLIParse)
	}
	if *settingsPath == "" {
		log.Printf("settings show: --settings is required")
		os.Exit(1)
	}

	descriptor, err := poetsettings.Load(*settingsPath)
	if err != nil {
		log.Fatalf("load genesis settings: %v", err)
	}
	if err := descriptor.Validate(); err != nil {
		log.Fatalf("genesis settings: %v", err)
	}

	entries := descriptor.SettingEntries()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry := entries[k]
		fmt.Printf("%s\t%s\t%s\n", k, entry.Address, entry.Value)
	}
}

func runEnclave(module enclavemode.Module, args []string) {
	if len(args) == 0 {
		log.Printf("enclave: expected %q or %q subcommand", "measurement", "basename")
		os.Exit(exitCLIParse)
	}

	if module != enclavemode.ModuleSimulator {
		log.Fatalf("enclave %s: only --enclave-module simulator can report a measurement/basename without real hardware", args[0])
	}

	sim := enclavesim.New(enclavesim.Config{})
	switch args[0] {
	case "measurement":
		fmt.Println(sim.Measurement())
	case "basename":
		fmt.Println(sim.Basename())
	default:
		log.Printf("enclave: unknown subcommand %q", args[0])
		os.Exit(exitCLIParse)
	}
}

// enrollmentService resolves the EnrollmentService realization for the
// requested --enclave-module: an in-process simulator, or a transport-
// connected real TEE. The returned close func releases any owned
// connection.
func enrollmentService(ctx context.Context, module enclavemode.Module, connect string) (enclaverpc.EnrollmentService, func(), error) {
	switch module {
	case enclavemode.ModuleSimulator:
		sim := enclavesim.New(enclavesim.Config{})
		return sim, func() {}, nil
	case enclavemode.ModuleSGX:
		if connect == "" {
			return nil, nil, fmt.Errorf("--connect is required for --enclave-module sgx")
		}
		addr := strings.TrimPrefix(connect, "tcp://")
		conn, err := transport.Dial(ctx, addr, transport.Config{})
		if err != nil {
			return nil, nil, err
		}
		client := enclaverpc.NewClient(conn)
		adapter := enclaverpc.NewClientAdapter(client)
		return adapter, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported enclave module %q", module)
	}
}
