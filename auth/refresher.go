// Package auth hält die NotebookLM-Session am Leben. Der Refresh holt per SSH
// den Storage-State aus dem Chrome auf dem Droplet, baut damit einen neuen
// Backend-Client und publiziert ihn. Query-Retry und Keepalive teilen sich
// denselben Refresher; systemweit läuft immer höchstens ein Refresh.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"notebook-bridge/backend"
	"notebook-bridge/config"
)

// Extraktions-Skript, das auf dem Droplet läuft. Verbindet sich über CDP mit
// dem laufenden Chrome und schreibt den Storage-State als JSON nach stdout.
const extractionScriptTemplate = `python3 -c "
import asyncio, json
async def extract():
    from playwright.async_api import async_playwright
    async with async_playwright() as p:
        browser = await p.chromium.connect_over_cdp('http://127.0.0.1:%d')
        context = browser.contexts[0]
        state = await context.storage_state()
        print(json.dumps(state))
asyncio.run(extract())
"`

// Result beschreibt einen abgeschlossenen Refresh.
type Result struct {
	CookieCount int           `json:"cookie_count"`
	OriginCount int           `json:"origin_count"`
	Duration    time.Duration `json:"-"`
}

// Refresher führt den kompletten Auth-Refresh aus: extrahieren, validieren,
// Client neu bauen, publizieren.
type Refresher struct {
	Config  *config.Config
	Logger  *zap.Logger
	Holder  *backend.Holder
	Factory backend.Factory

	group singleflight.Group

	// Im Test austauschbar, produktiv die SSH-Extraktion.
	extract func(ctx context.Context) (string, error)
}

// NewRefresher verdrahtet den Refresher mit der Droplet-Extraktion.
func NewRefresher(cfg *config.Config, logger *zap.Logger, holder *backend.Holder, factory backend.Factory) *Refresher {
	r := &Refresher{
		Config:  cfg,
		Logger:  logger,
		Holder:  holder,
		Factory: factory,
	}
	r.extract = r.extractFromDroplet
	return r
}

// FullRefresh führt den Refresh aus oder hängt sich an einen bereits
// laufenden an und übernimmt dessen Ergebnis. Es geht nie ein zweiter
// Remote-Refresh raus, solange einer in Flight ist.
func (r *Refresher) FullRefresh(ctx context.Context) (*Result, error) {
	v, err, shared := r.group.Do("full-refresh", func() (interface{}, error) {
		return r.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	if shared {
		r.Logger.Debug("Auth-Refresh-Ergebnis von laufendem Refresh übernommen")
	}
	return res, nil
}

func (r *Refresher) doRefresh(ctx context.Context) (*Result, error) {
	start := time.Now()
	r.Logger.Info("Starte Auth-Refresh", zap.String("droplet", r.Config.DropletHost))

	authJSON, err := r.extract(ctx)
	if err != nil {
		return nil, fmt.Errorf("cookie extraction failed: %w", err)
	}

	var state struct {
		Cookies []json.RawMessage `json:"cookies"`
		Origins []json.RawMessage `json:"origins"`
	}
	if err := json.Unmarshal([]byte(authJSON), &state); err != nil {
		return nil, fmt.Errorf("cookie extraction returned invalid JSON: %w", err)
	}
	if len(state.Cookies) == 0 {
		return nil, fmt.Errorf("auth state contains no cookies, refusing to apply")
	}

	// Erst vollständig konstruieren, dann publizieren. Leser sehen nie einen
	// halb initialisierten Client.
	client, err := r.Factory(ctx, authJSON)
	if err != nil {
		return nil, fmt.Errorf("client rebuild with fresh auth failed: %w", err)
	}
	r.Holder.Publish(client)

	res := &Result{
		CookieCount: len(state.Cookies),
		OriginCount: len(state.Origins),
		Duration:    time.Since(start),
	}
	r.Logger.Info("Auth-Refresh abgeschlossen",
		zap.Int("cookies", res.CookieCount),
		zap.Int("origins", res.OriginCount),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// extractFromDroplet verbindet sich per SSH mit dem Droplet und führt das
// Playwright-Extraktionsskript aus.
func (r *Refresher) extractFromDroplet(ctx context.Context) (string, error) {
	cfg := r.Config
	if cfg.DropletSSHKey == "" {
		return "", fmt.Errorf("DROPLET_SSH_KEY nicht konfiguriert")
	}
	if cfg.DropletHost == "" {
		return "", fmt.Errorf("DROPLET_HOST nicht konfiguriert")
	}

	signer, err := ssh.ParsePrivateKey([]byte(cfg.DropletSSHKey))
	if err != nil {
		return "", fmt.Errorf("DROPLET_SSH_KEY nicht lesbar: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User: cfg.DropletUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Private Infrastruktur, kein Host-Key-Pinning
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(cfg.DropletHost, strconv.Itoa(22))
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return "", fmt.Errorf("ssh connection to %s failed: %w", cfg.DropletHost, err)
	}
	defer conn.Close()

	// ssh kennt keinen Context; bei Abbruch wird die Verbindung gekappt.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	script := fmt.Sprintf(extractionScriptTemplate, cfg.DropletCDPPort)
	out, err := session.Output(script)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("cookie extraction aborted: %w", ctx.Err())
		}
		return "", fmt.Errorf("cookie extraction command failed: %w", err)
	}

	stdout := strings.TrimSpace(string(out))
	if stdout == "" {
		return "", fmt.Errorf("cookie extraction returned empty output")
	}
	return stdout, nil
}
