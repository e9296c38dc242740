package ingress

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mike15254/md0-sub000/internal/events"
	"github.com/Mike15254/md0-sub000/internal/runner"
)

// Reloader asks the reverse proxy to pick up configuration changes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Config carries the proxy and certificate settings.
type Config struct {
	// ConfigDir is where per-project server blocks are written.
	ConfigDir string
	// ReloadCommand, when set, is run to reload nginx on the host. Leave it
	// empty and set ContainerName to signal a containerized nginx instead.
	ReloadCommand  string
	ContainerName  string
	CertbotCommand string
	CertbotEmail   string
	// ServerPublicIP is what project domains must resolve to.
	ServerPublicIP string
	CommandTimeout time.Duration
}

// Service manages nginx server blocks, TLS certificates and DNS checks for
// project domains.
type Service struct {
	cfg      Config
	runner   runner.Runner
	reloader Reloader
	resolver *net.Resolver
	bus      *events.Hub
	logger   *slog.Logger
}

// New builds the ingress service. When cfg.ReloadCommand is empty and
// cfg.ContainerName is set, reloads go through the Docker API.
func New(cfg Config, run runner.Runner, bus *events.Hub, logger *slog.Logger) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		runner:   run,
		resolver: net.DefaultResolver,
		bus:      bus,
		logger:   logger,
	}
	if cfg.ReloadCommand == "" && cfg.ContainerName != "" {
		r, err := newHUPReloader(cfg.ContainerName)
		if err != nil {
			return nil, err
		}
		s.reloader = r
	}
	return s, nil
}

// Configure writes the project's server block and reloads the proxy. The
// resulting frame goes to the owning user's clients only.
func (s *Service) Configure(ctx context.Context, userID int64, domainName, projectName string, port int, tlsEnabled bool) error {
	var buf bytes.Buffer
	err := serverBlock.Execute(&buf, serverBlockData{
		Domain:     domainName,
		Port:       port,
		TLSEnabled: tlsEnabled,
	})
	if err != nil {
		return fmt.Errorf("render server block: %w", err)
	}

	path := s.configPath(projectName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write server block: %w", err)
	}

	if err := s.reload(ctx); err != nil {
		return err
	}
	s.bus.SendToUser(userID, events.Frame{Type: events.TypeDomainStatusChanged, Data: map[string]any{
		"domain":  domainName,
		"project": projectName,
		"status":  "configured",
	}})
	s.logger.Info("proxy configured", "domain", domainName, "project", projectName, "port", port)
	return nil
}

// Remove deletes the project's server block and reloads the proxy. A missing
// block is not an error.
func (s *Service) Remove(ctx context.Context, projectName string) error {
	path := s.configPath(projectName)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove server block: %w", err)
	}
	return s.reload(ctx)
}

// ProvisionTLS obtains or renews a certificate for the domain via certbot
// and announces the outcome to the owning user's clients.
func (s *Service) ProvisionTLS(ctx context.Context, userID int64, domainName string) error {
	if s.cfg.CertbotCommand == "" {
		return fmt.Errorf("certbot command not configured")
	}
	args := []string{
		"certonly", "--nginx", "--non-interactive", "--agree-tos",
		"-d", domainName,
	}
	if s.cfg.CertbotEmail != "" {
		args = append(args, "-m", s.cfg.CertbotEmail)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}

	res, err := s.runner.Run(ctx, runner.Command{
		Name:    s.cfg.CertbotCommand,
		Args:    args,
		Timeout: s.cfg.CommandTimeout,
	})
	if err != nil {
		s.bus.SendToUser(userID, events.Frame{Type: events.TypeSSLEvent, Data: map[string]any{
			"domain": domainName,
			"status": "failed",
			"detail": strings.TrimSpace(res.Stderr),
		}})
		return fmt.Errorf("certbot for %s: %w", domainName, err)
	}
	s.bus.SendToUser(userID, events.Frame{Type: events.TypeSSLEvent, Data: map[string]any{
		"domain": domainName,
		"status": "issued",
	}})
	s.logger.Info("certificate provisioned", "domain", domainName)
	return nil
}

// VerifyDNS resolves the domain and reports whether it points at this server.
func (s *Service) VerifyDNS(ctx context.Context, domainName string) (bool, string, error) {
	addrs, err := s.resolver.LookupHost(ctx, domainName)
	if err != nil {
		return false, "", fmt.Errorf("resolve %s: %w", domainName, err)
	}
	for _, addr := range addrs {
		if addr == s.cfg.ServerPublicIP {
			return true, addr, nil
		}
	}
	resolved := ""
	if len(addrs) > 0 {
		resolved = addrs[0]
	}
	return false, resolved, nil
}

// Close releases the Docker client when one is held.
func (s *Service) Close() error {
	if c, ok := s.reloader.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (s *Service) reload(ctx context.Context) error {
	if s.reloader != nil {
		return s.reloader.Reload(ctx)
	}
	if s.cfg.ReloadCommand == "" {
		s.logger.Warn("no proxy reload mechanism configured, config written but not applied")
		return nil
	}
	parts := strings.Fields(s.cfg.ReloadCommand)
	res, err := s.runner.Run(ctx, runner.Command{
		Name:    parts[0],
		Args:    parts[1:],
		Timeout: s.cfg.CommandTimeout,
	})
	if err != nil {
		return fmt.Errorf("reload proxy: %w: %s", err, res.Combined())
	}
	return nil
}

func (s *Service) configPath(projectName string) string {
	return filepath.Join(s.cfg.ConfigDir, "md0-"+projectName+".conf")
}
