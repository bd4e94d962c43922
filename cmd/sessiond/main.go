// sessiond runs one ephemeral session end to end: it converges a local
// quorum, materializes key material from threshold shares, executes the
// supplied operations under canary and watchdog supervision, commits the
// outcome, and destroys all session state. Only the sealed outcome survives.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/veilcompute/ephemeral-session-backend/biokey"
	"github.com/veilcompute/ephemeral-session-backend/broadcast"
	"github.com/veilcompute/ephemeral-session-backend/cmd/flags"
	"github.com/veilcompute/ephemeral-session-backend/compliance"
	"github.com/veilcompute/ephemeral-session-backend/cryptoutils"
	"github.com/veilcompute/ephemeral-session-backend/httpserver"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/metrics"
	"github.com/veilcompute/ephemeral-session-backend/outcome"
	"github.com/veilcompute/ephemeral-session-backend/proxyapproval"
	"github.com/veilcompute/ephemeral-session-backend/quorum"
	"github.com/veilcompute/ephemeral-session-backend/session"
	"github.com/veilcompute/ephemeral-session-backend/watchdog"
)

var SessionServiceLogFlag = flags.LogServiceFlagFn("sessiond")

var OperationsFileFlag = &cli.StringFlag{
	Name:  "operations",
	Usage: "JSON file with the operations to execute; a built-in demo batch runs when omitted",
}

func main() {
	app := &cli.App{
		Name:  "sessiond",
		Usage: "Run an ephemeral session",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.BroadcastFlag,
			flags.MembersFlag,
			flags.ThresholdFlag,
			flags.DecayFloorFlag,
			flags.ShareThresholdFlag,
			flags.ShareTotalFlag,
			flags.CanaryIntervalFlag,
			flags.SnapshotIntervalFlag,
			flags.AbortOnCensorshipFlag,
			flags.VaultAddrFlag,
			flags.VaultMountFlag,
			OperationsFileFlag,
			SessionServiceLogFlag,
		}, flags.CommonFlags...),
		Action: runSession,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runSession(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broadcast: observer feed plus whatever durable backends were given.
	feed := httpserver.NewFeed(512)
	backends := []interfaces.Broadcaster{feed}
	if uris := cCtx.StringSlice(flags.BroadcastFlag.Name); len(uris) > 0 {
		durable, err := broadcast.NewFactory(logger).CreateMultiBroadcaster(uris)
		if err != nil {
			return err
		}
		backends = append(backends, durable)
	}
	broadcaster := broadcast.NewMultiBroadcaster(backends, logger)

	// A local quorum of freshly generated members.
	memberCount := cCtx.Int(flags.MembersFlag.Name)
	signers := make([]*cryptoutils.Secp256k1Signer, memberCount)
	members := make([]interfaces.MemberID, memberCount)
	for i := range signers {
		signer, err := cryptoutils.GenerateSigner()
		if err != nil {
			return fmt.Errorf("generating member key: %w", err)
		}
		signers[i] = signer
		members[i] = signer.MemberID()
	}
	verifier := cryptoutils.RecoveryVerifier{}

	materializer, err := setupMaterializer(ctx, cCtx, logger)
	if err != nil {
		return err
	}

	proxies, err := proxyapproval.NewManager(2, 100, 30*time.Second, verifier, logger)
	if err != nil {
		return err
	}
	proxySigners := make([]*cryptoutils.Secp256k1Signer, 3)
	for i := range proxySigners {
		signer, err := cryptoutils.GenerateSigner()
		if err != nil {
			return err
		}
		proxySigners[i] = signer
		if err := proxies.RegisterProxy(signer.MemberID(), 1000); err != nil {
			return err
		}
	}

	var seed interfaces.Hash
	if _, err := rand.Read(seed[:]); err != nil {
		return err
	}
	watchdogs, err := watchdog.NewRotation(watchdog.Config{
		SubsetSize:    min(3, memberCount),
		EpochInterval: 10 * time.Second,
		Seed:          seed,
	}, members, time.Now(), logger)
	if err != nil {
		return err
	}
	for _, signer := range signers {
		watchdogs.RegisterAttestor(watchdog.NewLocalAttestor(signer, cryptoutils.DummyAttestationProvider{}))
	}

	var sessionID interfaces.SessionID
	if _, err := rand.Read(sessionID[:]); err != nil {
		return err
	}

	orch, err := session.New(session.Config{
		SessionID: sessionID,
		Members:   members,
		Quorum: quorum.Config{
			InitialThreshold: cCtx.Float64(flags.ThresholdFlag.Name),
			DecayFloor:       cCtx.Float64(flags.DecayFloorFlag.Name),
			DecayStep:        0.05,
			DecayInterval:    10 * time.Second,
			Timeout:          2 * time.Minute,
		},
		CanaryInterval:    cCtx.Duration(flags.CanaryIntervalFlag.Name),
		SnapshotInterval:  cCtx.Duration(flags.SnapshotIntervalFlag.Name),
		SnapshotLimit:     8,
		WatchdogInterval:  10 * time.Second,
		CommitTimeout:     30 * time.Second,
		RevealRatio:       0.67,
		AbortOnCensorship: cCtx.Bool(flags.AbortOnCensorshipFlag.Name),
	}, session.Dependencies{
		Signer:       signers[0],
		Verifier:     verifier,
		Materializer: materializer,
		Proxies:      proxies,
		ProofBackend: compliance.MockBackend{},
		Watchdogs:    watchdogs,
		Broadcaster:  broadcaster,
		Execute:      demoExecutor,
		Log:          logger,
	})
	if err != nil {
		return err
	}

	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name)), feed, orch)
	if err != nil {
		return err
	}
	srv.RunInBackground()
	defer srv.Shutdown()

	operations, err := loadOperations(cCtx.String(OperationsFileFlag.Name))
	if err != nil {
		return err
	}

	// Local members vote, approve, and endorse over the orchestrator's
	// channels, standing in for the networked member processes.
	go driveMembers(ctx, orch, feed, signers)

	metrics.SessionsStarted.Inc()
	result, err := orch.Run(ctx, operations)
	if err != nil {
		logger.Error("Session fell short of full commitment", "err", err)
	}
	if result != nil && len(result.Outcomes) > 0 {
		metrics.SessionsCommitted.Inc()
		for _, sealed := range result.Outcomes {
			logger.Info("Outcome sealed",
				"commitment", sealed.Commitment.String(),
				"executionHash", sealed.ExecutionHash.String(),
				"signatures", len(sealed.Signatures))
		}
	}
	if err != nil {
		return err
	}
	return nil
}

// setupMaterializer builds key material either from Vault-escrowed shares or
// from a locally generated secret split on the spot.
func setupMaterializer(ctx context.Context, cCtx *cli.Context, logger *slog.Logger) (*biokey.Materializer, error) {
	threshold := cCtx.Int(flags.ShareThresholdFlag.Name)
	total := cCtx.Int(flags.ShareTotalFlag.Name)

	materializer, err := biokey.NewMaterializer(threshold, total)
	if err != nil {
		return nil, err
	}

	var source biokey.ShareSource
	if vaultAddr := cCtx.String(flags.VaultAddrFlag.Name); vaultAddr != "" {
		logger.Info("Fetching key shares from Vault", "address", vaultAddr)
		source, err = biokey.NewVaultShareSource(vaultAddr, os.Getenv("VAULT_TOKEN"),
			cCtx.String(flags.VaultMountFlag.Name), "session-shares", nil, logger)
		if err != nil {
			return nil, err
		}
	} else {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		shares, err := biokey.Split(secret, total, threshold)
		cryptoutils.WipeBytes(secret)
		if err != nil {
			return nil, err
		}
		source = biokey.NewStaticShareSource(shares)
	}

	shares, err := source.Shares(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := materializer.Reconstruct(shares); err != nil {
		return nil, err
	}
	return materializer, nil
}

// driveMembers plays the quorum: every member approves entry, and members
// endorse the outcome commitment once it appears on the feed.
func driveMembers(ctx context.Context, orch *session.Orchestrator, feed *httpserver.Feed, signers []*cryptoutils.Secp256k1Signer) {
	for _, signer := range signers {
		sig, err := quorum.SignVote(signer, true)
		if err != nil {
			continue
		}
		orch.SubmitVote(quorum.Vote{Member: signer.MemberID(), Approve: true, Signature: sig})
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		records := feed.Recent("outcome-commitment", 1)
		if len(records) == 0 || len(records[0].Data) != 64 {
			continue
		}

		commitment, _ := interfaces.NewHashFromBytes(records[0].Data[:32])
		executionHash, _ := interfaces.NewHashFromBytes(records[0].Data[32:])
		ts := time.Now()
		msg := outcome.SigningMessage(commitment, executionHash, ts)
		for _, signer := range signers {
			sig, err := signer.Sign(msg)
			if err != nil {
				continue
			}
			orch.SubmitOutcomeSignature(commitment, signer.MemberID(), sig, ts)
		}
		return
	}
}

// demoExecutor hashes each operation payload into the running state. It
// stands in for the caller-supplied execution engine.
func demoExecutor(ctx context.Context, op session.Operation, state []byte) ([]byte, []byte, error) {
	result := interfaces.HashOf([]byte(op.Name), op.Payload, state)
	return result.Bytes(), result.Bytes(), nil
}

type operationFile struct {
	Operations []struct {
		Name             string `json:"name"`
		Payload          string `json:"payload"`
		RequiresApproval bool   `json:"requires_approval"`
		Justification    string `json:"justification"`
		PolicyID         string `json:"policy_id"`
	} `json:"operations"`
}

func loadOperations(path string) ([]session.Operation, error) {
	if path == "" {
		ops := make([]session.Operation, 5)
		for i := range ops {
			ops[i] = session.Operation{
				Name:    fmt.Sprintf("demo-op-%d", i),
				Payload: []byte(fmt.Sprintf("demo payload %d", i)),
			}
		}
		return ops, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading operations file: %w", err)
	}
	var parsed operationFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing operations file: %w", err)
	}

	ops := make([]session.Operation, 0, len(parsed.Operations))
	for _, raw := range parsed.Operations {
		ops = append(ops, session.Operation{
			Name:             raw.Name,
			Payload:          []byte(raw.Payload),
			RequiresApproval: raw.RequiresApproval,
			Justification:    raw.Justification,
			PolicyID:         raw.PolicyID,
		})
	}
	return ops, nil
}
