package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/cast-router/internal/adapters"
	"go2tv.app/cast-router/internal/domain"
	"go2tv.app/cast-router/internal/router"
	"go2tv.app/go2tv/v2/devices"
)

const (
	defaultTimeoutMS             = 2500
	reachabilityWait             = 400 * time.Millisecond
	defaultDiscoveryDelaySeconds = 1
	maxPerAttemptTimeoutMS       = 3000
	defaultCastPort              = 8009
)

var isReachableAddress = defaultReachableAddress

// Service turns go2tv LAN discovery results into cast sinks. Only
// Chromecast-protocol devices are reported.
type Service struct {
	adapter   adapters.Discovery
	loopCtx   context.Context
	once      sync.Once
	timeoutMS int
}

func NewService(adapter adapters.Discovery, loopCtx context.Context, timeout time.Duration) *Service {
	if loopCtx == nil {
		loopCtx = context.Background()
	}
	timeoutMS := int(timeout.Milliseconds())
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	return &Service{
		adapter:   adapter,
		loopCtx:   loopCtx,
		timeoutMS: timeoutMS,
	}
}

// DiscoverSinks lists reachable sinks using the configured timeout.
func (s *Service) DiscoverSinks(ctx context.Context) ([]router.Sink, error) {
	found, err := s.ListSinks(ctx, s.timeoutMS, false)
	if err != nil {
		return nil, err
	}

	sinks := make([]router.Sink, 0, len(found))
	for _, sink := range found {
		sinks = append(sinks, ToRouterSink(sink))
	}
	return sinks, nil
}

func (s *Service) ListSinks(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Sink, error) {
	if s.adapter == nil {
		return nil, errors.New("discovery adapter is not configured")
	}
	if timeoutMS <= 0 {
		timeoutMS = s.timeoutMS
	}

	s.once.Do(func() {
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})

	type loadResult struct {
		devices []devices.Device
		err     error
	}
	resultCh := make(chan loadResult, 1)

	go func() {
		loaded, err := s.loadAllDevicesUntilTimeout(ctx, timeoutMS)
		resultCh <- loadResult{devices: loaded, err: err}
	}()

	timeout := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return []domain.Sink{}, nil
	case result := <-resultCh:
		if result.err != nil {
			if errors.Is(result.err, devices.ErrNoDeviceAvailable) {
				return []domain.Sink{}, nil
			}
			return nil, result.err
		}

		sinks := normalizeSinks(result.devices)
		if !includeUnreachable {
			sinks = filterReachable(sinks)
		}
		sortSinks(sinks)
		return sinks, nil
	}
}

func (s *Service) loadAllDevicesUntilTimeout(ctx context.Context, timeoutMS int) ([]devices.Device, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remainingMS := int(time.Until(deadline).Milliseconds())
		if remainingMS <= 0 {
			if errors.Is(lastErr, devices.ErrNoDeviceAvailable) || lastErr == nil {
				return []devices.Device{}, nil
			}
			return nil, lastErr
		}

		attemptTimeoutMS := min(remainingMS, maxPerAttemptTimeoutMS)
		loaded, err := s.adapter.LoadAllDevices(timeoutToDelaySeconds(attemptTimeoutMS))
		if err == nil {
			return loaded, nil
		}
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, err
		}

		lastErr = err
	}
}

// ToRouterSink converts a reported sink into the router's view of it.
func ToRouterSink(sink domain.Sink) router.Sink {
	var caps router.Capability
	for _, name := range sink.Capabilities {
		if bit, ok := router.ParseCapability(name); ok {
			caps |= bit
		}
	}
	return router.Sink{
		ID:           sink.ID,
		Name:         sink.Name,
		Address:      net.JoinHostPort(sink.Host, strconv.Itoa(sink.Port)),
		Capabilities: caps,
	}
}

func timeoutToDelaySeconds(timeoutMS int) int {
	seconds := int(math.Ceil(float64(timeoutMS) / 1000.0))
	if seconds <= 0 {
		return defaultDiscoveryDelaySeconds
	}
	return seconds
}

func normalizeSinks(discovered []devices.Device) []domain.Sink {
	result := make([]domain.Sink, 0, len(discovered))
	for _, raw := range discovered {
		if !isChromecast(raw.Type) {
			continue
		}
		address := strings.TrimSpace(raw.Addr)
		host, port, ok := castEndpoint(address)
		if !ok {
			continue
		}

		result = append(result, domain.Sink{
			ID:           stableID(host, port),
			Name:         strings.TrimSpace(raw.Name),
			Type:         strings.TrimSpace(raw.Type),
			Address:      address,
			Host:         host,
			Port:         port,
			IsAudioOnly:  raw.IsAudioOnly,
			Capabilities: capabilitiesFor(raw.IsAudioOnly).Names(),
		})
	}

	return result
}

func filterReachable(all []domain.Sink) []domain.Sink {
	filtered := make([]domain.Sink, 0, len(all))
	for _, sink := range all {
		if isReachableAddress(net.JoinHostPort(sink.Host, strconv.Itoa(sink.Port)), reachabilityWait) {
			filtered = append(filtered, sink)
		}
	}
	return filtered
}

func sortSinks(all []domain.Sink) {
	sort.Slice(all, func(i, j int) bool {
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		if all[i].Host != all[j].Host {
			return all[i].Host < all[j].Host
		}
		return all[i].ID < all[j].ID
	})
}

func stableID(host string, port int) string {
	canonical := "chromecast|" + strings.ToLower(net.JoinHostPort(host, strconv.Itoa(port)))
	sum := sha1.Sum([]byte(canonical))
	return "sink_" + hex.EncodeToString(sum[:8])
}

// castEndpoint extracts host and port from a go2tv Chromecast address,
// which is either a URL or a bare host[:port].
func castEndpoint(address string) (string, int, bool) {
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}
	parsed, err := url.Parse(address)
	if err != nil || parsed.Hostname() == "" {
		return "", 0, false
	}

	port := defaultCastPort
	if raw := parsed.Port(); raw != "" {
		port, err = strconv.Atoi(raw)
		if err != nil || port <= 0 {
			return "", 0, false
		}
	}
	return strings.ToLower(parsed.Hostname()), port, true
}

func isChromecast(kind string) bool {
	return strings.Contains(strings.ToLower(kind), "chrome")
}

func capabilitiesFor(audioOnly bool) router.Capability {
	if audioOnly {
		return router.CapabilityAudioOut
	}
	return router.CapabilityAudioOut | router.CapabilityVideoOut
}

func defaultReachableAddress(hostPort string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

var _ router.SinkDiscovery = (*Service)(nil)
