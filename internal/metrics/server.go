package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the registry for scraping on its own listener
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	path       string
	logger     *slog.Logger
	allowed    []netip.Prefix
}

// NewServer creates a metrics server. allowedIPs holds addresses or CIDRs;
// an empty list lets every client scrape. Invalid entries are logged and ignored.
func NewServer(m *Metrics, addr, path string, allowedIPs []string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	if path == "" {
		path = "/metrics"
	}

	s := &Server{
		metrics: m,
		path:    path,
		logger:  logger.With("component", "metrics"),
		allowed: parseAllowed(allowedIPs, logger),
	}
	if len(s.allowed) > 0 {
		s.logger.Info("metrics IP filtering enabled", "allowed_networks", len(s.allowed))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func parseAllowed(entries []string, logger *slog.Logger) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			out = append(out, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

// Handler returns the router serving the scrape endpoint and a health check
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	scrape := promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
	r.With(s.filter).Method(http.MethodGet, s.path, scrape)

	// load balancers probe this without being on the allow list
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}

// ListenAndServe starts the metrics listener. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting metrics server", "addr", s.httpServer.Addr, "path", s.path)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) filter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip, ok := clientIP(r)
		if !ok {
			s.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !s.isAllowed(ip) {
			s.logger.Warn("metrics access denied", "ip", ip.String())
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address
func clientIP(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return ip.Unmap(), true
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return ip.Unmap(), true
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func (s *Server) isAllowed(ip netip.Addr) bool {
	for _, prefix := range s.allowed {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}
