// Package main provides the pomelo command line client for the
// encrypted drive.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cristalhq/natsort"
	units "github.com/docker/go-units"
	"github.com/spf13/afero"

	"github.com/fruitsalade/pomelo/internal/config"
	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/api"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/drive"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/retry"
)

func main() {
	keyFile := flag.String("keys", defaultKeyFile(), "Identity key file")
	sortBy := flag.String("sort", "name", "Listing order: name, size, modified")
	onConflict := flag.String("on-conflict", "rename", "Upload conflict strategy: rename, replace, merge, skip")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	yes := flag.Bool("yes", false, "Confirm large uploads without prompting")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logging.Warn("metrics server stopped", logging.Err(err))
			}
		}()
	}

	app, err := newApp(cfg, *keyFile, *onConflict, *yes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.drive.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "init":
		err = app.cmdInit(ctx)
	case "ls", "list":
		err = app.cmdList(ctx, cmdArgs, *sortBy)
	case "tree":
		err = app.cmdTree(ctx, cmdArgs)
	case "mkdir":
		err = app.cmdMkdir(ctx, cmdArgs)
	case "upload", "up":
		err = app.cmdUpload(ctx, cmdArgs)
	case "download", "get":
		err = app.cmdDownload(ctx, cmdArgs)
	case "mv", "move":
		err = app.cmdMove(ctx, cmdArgs)
	case "rename":
		err = app.cmdRename(ctx, cmdArgs)
	case "trash":
		err = app.cmdTrash(ctx, cmdArgs)
	case "trash-list":
		err = app.cmdTrashList(ctx)
	case "restore":
		err = app.cmdRestore(ctx, cmdArgs)
	case "rm", "delete":
		err = app.cmdDelete(ctx, cmdArgs)
	case "empty-trash":
		err = app.cmdEmptyTrash(ctx)
	case "quota":
		err = app.cmdQuota(ctx)
	case "status":
		err = app.cmdStatus()
	case "watch":
		err = app.cmdWatch(ctx)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Pomelo encrypted drive client

Usage: pomelo [flags] <command> [args]

Flags:
  -keys <file>         Identity key file (default: ~/.pomelo/identity.json)
  -sort <field>        Listing order: name, size, modified (default: name)
  -on-conflict <mode>  Upload conflicts: rename, replace, merge, skip
  -metrics <addr>      Serve Prometheus metrics on this address
  -yes                 Confirm large uploads without prompting

Commands:
  init                       Create the volume (first run) and identity keys
  ls [path]                  List a folder
  tree [path]                Show a folder subtree
  mkdir <path>               Create a folder
  upload <local>... <dir>/   Upload files into a remote folder
  download <remote> <local>  Download a file
  mv <path> <dir>            Move into another folder
  rename <path> <name>       Rename in place
  trash <path>...            Move to trash
  trash-list                 List the trash
  restore <name>...          Restore from trash by name
  rm <name>...               Permanently delete from trash
  empty-trash                Permanently delete everything in the trash
  quota                      Show storage usage
  status                     Show transfer queue
  watch                      Follow remote changes until interrupted

Environment:
  POMELO_SERVER_URL   Server base URL
  POMELO_AUTH_TOKEN   Bearer token
  POMELO_CONFIG       Optional YAML config file`)
}

// app wires the client, identity, and drive for one invocation.
type app struct {
	cfg     *config.Config
	client  *api.Client
	drive   *drive.Drive
	shareID string
	confirm bool
}

func newApp(cfg *config.Config, keyFile, onConflict string, yes bool) (*app, error) {
	client := api.New(api.Config{
		BaseURL:   cfg.ServerURL,
		ClientID:  cfg.ClientID,
		AuthToken: os.Getenv("POMELO_AUTH_TOKEN"),
		RetryConfig: retry.Config{
			MaxAttempts: cfg.RetryMaxAttempts,
			InitialWait: cfg.RetryBaseDelay,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
	})

	identity, err := loadIdentity(keyFile)
	if err != nil {
		return nil, err
	}

	strategy, err := parseStrategy(onConflict)
	if err != nil {
		return nil, err
	}

	d := drive.New(client, identity, drive.Options{
		EventPollInterval: cfg.EventPollInterval,
		EventConcurrency:  cfg.MaxConcurrentPerCall,
		PageSize:          cfg.RequestBatchSize,
		Upload: drive.UploadConfig{
			MaxFolders:       cfg.MaxUploadFolders,
			MaxBlocks:        cfg.MaxUploadBlocks,
			BlockSize:        cfg.BlockSize,
			ConfirmThreshold: cfg.UploadConfirmCount,
			HashCheckBatch:   cfg.HashCheckBatchSize,
		},
		Download: drive.DownloadConfig{
			MaxBlocks:     cfg.MaxDownloadBlocks,
			MaxThumbnails: cfg.MaxThumbnailFetches,
			PageSize:      cfg.RequestBatchSize,
		},
	})
	d.Uploads.Conflict = func(ctx context.Context, c drive.Conflict) (models.ConflictStrategy, error) {
		return strategy, nil
	}

	a := &app{cfg: cfg, client: client, drive: d, confirm: yes}
	d.Uploads.Confirm = a.confirmLargeBatch
	return a, nil
}

func parseStrategy(mode string) (models.ConflictStrategy, error) {
	switch mode {
	case "rename":
		return models.ConflictRename, nil
	case "replace":
		return models.ConflictReplace, nil
	case "merge":
		return models.ConflictMerge, nil
	case "skip":
		return models.ConflictSkip, nil
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", mode)
}

func (a *app) confirmLargeBatch(count int) bool {
	if a.confirm {
		return true
	}
	fmt.Printf("Upload %d items? [y/N] ", count)
	var answer string
	fmt.Scanln(&answer)
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

// ensureShare runs Init once per invocation and remembers the share.
func (a *app) ensureShare(ctx context.Context) (string, error) {
	if a.shareID != "" {
		return a.shareID, nil
	}
	shareID, err := a.drive.Init(ctx)
	if err != nil {
		return "", err
	}
	a.shareID = shareID
	return shareID, nil
}

// resolvePath walks a slash-separated path from the share root.
func (a *app) resolvePath(ctx context.Context, path string) (string, error) {
	shareID, err := a.ensureShare(ctx)
	if err != nil {
		return "", err
	}
	current, err := a.drive.RootLinkID(shareID)
	if err != nil {
		return "", err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return current, nil
	}
	for _, segment := range strings.Split(path, "/") {
		children, err := a.drive.Children(ctx, shareID, current, models.DefaultSort)
		if err != nil {
			return "", err
		}
		next := ""
		for _, child := range children {
			if strings.EqualFold(child.Name, segment) {
				next = child.ID
				break
			}
		}
		if next == "" {
			return "", fmt.Errorf("%s: no such file or folder", path)
		}
		current = next
	}
	return current, nil
}

// ─── commands ───────────────────────────────────────────────────────────────

func (a *app) cmdInit(ctx context.Context) error {
	shareID, err := a.ensureShare(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Share ready: %s\n", shareID)
	if locked := a.drive.Cache.LockedShareIDs(); len(locked) > 0 {
		fmt.Printf("Locked shares: %s\n", strings.Join(locked, ", "))
		fmt.Println("Starting restore...")
		return a.drive.RestoreLocked(ctx)
	}
	return nil
}

func (a *app) cmdList(ctx context.Context, args []string, sortBy string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	folderID, err := a.resolvePath(ctx, path)
	if err != nil {
		return err
	}
	children, err := a.drive.Children(ctx, a.shareID, folderID, models.DefaultSort)
	if err != nil {
		return err
	}

	switch sortBy {
	case "name":
		sort.Slice(children, func(i, j int) bool {
			return natsort.Less(children[i].Name, children[j].Name)
		})
	case "size":
		sort.Slice(children, func(i, j int) bool {
			return children[i].Size > children[j].Size
		})
	case "modified":
		sort.Slice(children, func(i, j int) bool {
			return children[i].ModifyTime.After(children[j].ModifyTime)
		})
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED")
	for _, child := range children {
		size := "-"
		if child.Type == models.LinkTypeFile {
			size = units.HumanSize(float64(child.Size))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			child.Name, child.Type, size, child.ModifyTime.Format(time.RFC3339))
	}
	return w.Flush()
}

func (a *app) cmdTree(ctx context.Context, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	folderID, err := a.resolvePath(ctx, path)
	if err != nil {
		return err
	}
	return a.printTree(ctx, folderID, "")
}

func (a *app) printTree(ctx context.Context, folderID, indent string) error {
	children, err := a.drive.Children(ctx, a.shareID, folderID, models.DefaultSort)
	if err != nil {
		return err
	}
	sort.Slice(children, func(i, j int) bool {
		return natsort.Less(children[i].Name, children[j].Name)
	})
	for _, child := range children {
		fmt.Printf("%s%s\n", indent, child.Name)
		if child.Type == models.LinkTypeFolder {
			if err := a.printTree(ctx, child.ID, indent+"  "); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) cmdMkdir(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mkdir <path>")
	}
	dir, name := filepath.Split(strings.Trim(args[0], "/"))
	parentID, err := a.resolvePath(ctx, dir)
	if err != nil {
		return err
	}
	id, err := a.drive.CreateFolder(ctx, a.shareID, parentID, name)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%s)\n", args[0], id)
	return nil
}

func (a *app) cmdUpload(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: upload <local>... <remote-dir>")
	}
	locals, remote := args[:len(args)-1], args[len(args)-1]
	parentID, err := a.resolvePath(ctx, remote)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	var items []drive.UploadItem
	for _, local := range locals {
		found, err := collectUploads(fs, local)
		if err != nil {
			return err
		}
		items = append(items, found...)
	}

	ids, err := a.drive.Uploads.UploadFiles(ctx, a.shareID, parentID, items)
	if err != nil {
		return err
	}
	fmt.Printf("Uploading %d files...\n", len(ids))
	if err := a.drive.Uploads.Wait(ctx); err != nil {
		return err
	}
	return reportTransfers(a.drive.Uploads.Transfers())
}

// collectUploads expands a local path into upload items; directories are
// walked and keep their relative structure.
func collectUploads(fs afero.Fs, local string) ([]drive.UploadItem, error) {
	info, err := fs.Stat(local)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []drive.UploadItem{uploadItem(fs, local, info.Name(), info)}, nil
	}

	base := filepath.Base(local)
	var items []drive.UploadItem
	err = afero.Walk(fs, local, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(local, path)
		if err != nil {
			return err
		}
		remote := filepath.ToSlash(filepath.Join(base, rel))
		items = append(items, uploadItem(fs, path, remote, info))
		return nil
	})
	return items, err
}

func uploadItem(fs afero.Fs, path, remote string, info os.FileInfo) drive.UploadItem {
	return drive.UploadItem{
		Path:    remote,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Open: func() (io.ReadCloser, error) {
			return fs.Open(path)
		},
	}
}

func (a *app) cmdDownload(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: download <remote> <local>")
	}
	linkID, err := a.resolvePath(ctx, args[0])
	if err != nil {
		return err
	}
	link, err := a.drive.GetLink(ctx, a.shareID, linkID)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	if link.Type == models.LinkTypeFolder {
		if err := a.drive.Downloads.DownloadFolder(ctx, a.shareID, linkID, fs, args[1]); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s\n", args[1])
		return nil
	}

	out, err := fs.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()
	if err := a.drive.Downloads.DownloadFile(ctx, a.shareID, linkID, out); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s\n", args[1])
	return nil
}

func (a *app) cmdMove(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mv <path> <dir>")
	}
	linkID, err := a.resolvePath(ctx, args[0])
	if err != nil {
		return err
	}
	dirID, err := a.resolvePath(ctx, args[1])
	if err != nil {
		return err
	}
	return a.drive.Move(ctx, a.shareID, linkID, dirID)
}

func (a *app) cmdRename(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: rename <path> <new-name>")
	}
	linkID, err := a.resolvePath(ctx, args[0])
	if err != nil {
		return err
	}
	return a.drive.Rename(ctx, a.shareID, linkID, args[1])
}

func (a *app) cmdTrash(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: trash <path>...")
	}
	var ids []string
	for _, path := range args {
		id, err := a.resolvePath(ctx, path)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	failures, err := a.drive.TrashLinks(ctx, a.shareID, ids)
	if err != nil {
		return err
	}
	return reportFailures(failures)
}

func (a *app) cmdTrashList(ctx context.Context) error {
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	entries, err := a.drive.TrashList(ctx, a.shareID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Trash is empty")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tTRASHED")
	for _, entry := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			entry.Name, entry.Type, time.Unix(entry.Trashed, 0).Format(time.RFC3339))
	}
	return w.Flush()
}

// trashIDsByName matches trash entries against names, case-insensitive.
func (a *app) trashIDsByName(ctx context.Context, names []string) ([]string, error) {
	entries, err := a.drive.TrashList(ctx, a.shareID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		found := ""
		for _, entry := range entries {
			if strings.EqualFold(entry.Name, name) {
				found = entry.ID
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("%s: not in trash", name)
		}
		ids = append(ids, found)
	}
	return ids, nil
}

func (a *app) cmdRestore(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: restore <name>...")
	}
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	ids, err := a.trashIDsByName(ctx, args)
	if err != nil {
		return err
	}
	failures, err := a.drive.RestoreLinks(ctx, a.shareID, ids)
	if err != nil {
		return err
	}
	return reportFailures(failures)
}

func (a *app) cmdDelete(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rm <name>...")
	}
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	ids, err := a.trashIDsByName(ctx, args)
	if err != nil {
		return err
	}
	failures, err := a.drive.DeleteLinks(ctx, a.shareID, ids)
	if err != nil {
		return err
	}
	return reportFailures(failures)
}

func (a *app) cmdEmptyTrash(ctx context.Context) error {
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	return a.drive.EmptyTrash(ctx, a.shareID)
}

func (a *app) cmdQuota(ctx context.Context) error {
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	quota, err := a.drive.Quota(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Used %s of %s (%.1f%%)\n",
		units.HumanSize(float64(quota.UsedSpace)),
		units.HumanSize(float64(quota.MaxSpace)),
		100*float64(quota.UsedSpace)/float64(quota.MaxSpace))
	return nil
}

func (a *app) cmdStatus() error {
	transfers := append(a.drive.Uploads.Transfers(), a.drive.Downloads.Transfers()...)
	if len(transfers) == 0 {
		fmt.Println("No transfers")
		return nil
	}
	return reportTransfers(transfers)
}

func (a *app) cmdWatch(ctx context.Context) error {
	if _, err := a.ensureShare(ctx); err != nil {
		return err
	}
	changes := make(chan struct{}, 1)
	sub := a.drive.Cache.Subscribe(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer a.drive.Cache.Unsubscribe(sub)

	fmt.Println("Watching for changes (Ctrl-C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			fmt.Printf("%s remote change\n", time.Now().Format(time.TimeOnly))
		}
	}
}

func reportTransfers(transfers []models.Transfer) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tDONE\tSIZE")
	failed := 0
	for _, tr := range transfers {
		state := tr.State.String()
		if tr.Err != "" {
			state = fmt.Sprintf("%s (%s)", state, tr.Err)
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tr.Name, state,
			units.HumanSize(float64(tr.Done)),
			units.HumanSize(float64(tr.Size)))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d transfers failed", failed)
	}
	return nil
}

func reportFailures(failures map[string]error) error {
	for id, err := range failures {
		fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d items failed", len(failures))
	}
	return nil
}

// ─── identity ───────────────────────────────────────────────────────────────

// keyFileData is the serialized identity: the box key pair share
// passphrases are sealed to, and the Ed25519 signing seed.
type keyFileData struct {
	AddressID  string `json:"address_id"`
	Address    string `json:"address"`
	BoxPublic  string `json:"box_public"`
	BoxPrivate string `json:"box_private"`
	SignSeed   string `json:"sign_seed"`
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pomelo-identity.json"
	}
	return filepath.Join(home, ".pomelo", "identity.json")
}

// loadIdentity reads the key file, generating a fresh identity on first
// use.
func loadIdentity(path string) (*drive.StaticIdentity, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateIdentity(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	var data keyFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(data.BoxPublic)
	if err != nil {
		return nil, fmt.Errorf("decoding box public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(data.BoxPrivate)
	if err != nil {
		return nil, fmt.Errorf("decoding box private key: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(data.SignSeed)
	if err != nil {
		return nil, fmt.Errorf("decoding signing seed: %w", err)
	}
	if len(pub) != crypto.KeySize || len(priv) != crypto.KeySize || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity file %s has malformed keys", path)
	}

	var pubKey, privKey [crypto.KeySize]byte
	copy(pubKey[:], pub)
	copy(privKey[:], priv)
	signKey := ed25519.NewKeyFromSeed(seed)

	return &drive.StaticIdentity{
		ID:      data.AddressID,
		Addr:    data.Address,
		BoxPair: &crypto.KeyPair{Public: &pubKey, Private: &privKey},
		SignKey: &crypto.Signer{
			Public:  signKey.Public().(ed25519.PublicKey),
			Private: signKey,
		},
	}, nil
}

func generateIdentity(path string) (*drive.StaticIdentity, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signer, err := crypto.GenerateSigner()
	if err != nil {
		return nil, err
	}
	identity := &drive.StaticIdentity{
		ID:      "primary",
		Addr:    os.Getenv("POMELO_ADDRESS"),
		BoxPair: pair,
		SignKey: signer,
	}

	data := keyFileData{
		AddressID:  identity.ID,
		Address:    identity.Addr,
		BoxPublic:  base64.StdEncoding.EncodeToString(pair.Public[:]),
		BoxPrivate: base64.StdEncoding.EncodeToString(pair.Private[:]),
		SignSeed:   base64.StdEncoding.EncodeToString(signer.Private.Seed()),
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	fmt.Printf("Generated new identity at %s\n", path)
	return identity, nil
}
