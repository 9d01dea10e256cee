// Package portscan implements the PORT_SCAN probe: TCP connect scanning
// with banner grabbing, plus optional UDP probing.
package portscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// Options is the per-job configuration document.
type Options struct {
	Ports       []int `json:"ports,omitempty"`
	EnableUDP   bool  `json:"enable_udp,omitempty"`
	Concurrency int   `json:"concurrency,omitempty"`
	GrabBanners *bool `json:"grab_banners,omitempty"`
}

type Probe struct {
	cfg    config.PortScanProbeConfig
	logger *logger.Logger
}

func New(cfg config.PortScanProbeConfig, log *logger.Logger) *Probe {
	return &Probe{
		cfg:    cfg,
		logger: log.WithComponent("probe.port_scan"),
	}
}

func (p *Probe) Name() string        { return "port_scan" }
func (p *Probe) Type() types.JobType { return types.JobTypePortScan }

func (p *Probe) Validate(target string) error {
	if _, err := netip.ParseAddr(target); err != nil {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
			fmt.Errorf("not an IP address: %w", err))
	}
	return nil
}

func (p *Probe) Execute(ctx context.Context, target string, configuration json.RawMessage) (*types.DiscoveryResult, error) {
	if err := p.Validate(target); err != nil {
		return nil, err
	}
	addr, _ := netip.ParseAddr(target)
	target = addr.String()

	var opts Options
	if len(configuration) > 0 {
		if err := json.Unmarshal(configuration, &opts); err != nil {
			return nil, types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
				fmt.Errorf("invalid configuration: %w", err))
		}
	}

	ports := opts.Ports
	if len(ports) == 0 {
		ports = defaultPorts()
	}
	for _, port := range ports {
		if port < 1 || port > 65535 {
			return nil, types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
				fmt.Errorf("port %d out of range", port))
		}
	}
	sort.Ints(ports)

	concurrency := p.cfg.Concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 100
	}

	grabBanners := true
	if opts.GrabBanners != nil {
		grabBanners = *opts.GrabBanners
	}

	start := time.Now()
	ctx, span := p.logger.StartOperation(ctx, "port_scan.Execute",
		"target", target,
		"port_count", len(ports),
	)
	var execErr error
	defer func() {
		p.logger.FinishOperation(ctx, span, "port_scan.Execute", start, execErr)
	}()

	result := types.NewDiscoveryResult()
	result.Metadata["probe"] = p.Name()
	result.Metadata["target"] = target

	result.IPs = append(result.IPs, types.DiscoveredIP{Address: target, Source: "port_scan"})

	discovered := p.scanTCP(ctx, target, ports, concurrency, grabBanners)
	result.Ports = append(result.Ports, discovered...)

	if opts.EnableUDP || p.cfg.EnableUDP {
		result.Ports = append(result.Ports, p.scanUDP(ctx, target, ports)...)
	}

	if err := ctx.Err(); err != nil {
		execErr = types.ClassifyProbeError(p.Name(), target, err)
		return nil, execErr
	}

	open := 0
	for _, dp := range result.Ports {
		if dp.Status == types.PortStatusOpen {
			open++
		}
	}
	result.Metadata["ports_scanned"] = strconv.Itoa(len(ports))
	result.Metadata["ports_open"] = strconv.Itoa(open)

	p.logger.WithContext(ctx).Infow("Port scan completed",
		"target", target,
		"ports_scanned", len(ports),
		"ports_open", open,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (p *Probe) scanTCP(ctx context.Context, target string, ports []int, concurrency int, grabBanners bool) []types.DiscoveredPort {
	results := make(chan types.DiscoveredPort, len(ports))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)

	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(port int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			dp := p.probeTCPPort(ctx, target, port, grabBanners)
			select {
			case results <- dp:
			case <-ctx.Done():
			}
		}(port)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Every probed port is an observation, CLOSED included: a port that
	// was open last week and refuses connections today is signal.
	var discovered []types.DiscoveredPort
	for dp := range results {
		discovered = append(discovered, dp)
	}
	sort.Slice(discovered, func(i, j int) bool { return discovered[i].Port < discovered[j].Port })
	return discovered
}

// probeTCPPort classifies one port: connect success is OPEN, refusal is
// CLOSED, timeout is FILTERED.
func (p *Probe) probeTCPPort(ctx context.Context, target string, port int, grabBanner bool) types.DiscoveredPort {
	dp := types.DiscoveredPort{
		Address:  target,
		Port:     port,
		Protocol: types.ProtocolTCP,
		Source:   "port_scan",
	}

	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			dp.Status = types.PortStatusClosed
		} else {
			dp.Status = types.PortStatusFiltered
		}
		return dp
	}
	defer conn.Close()

	dp.Status = types.PortStatusOpen
	dp.ServiceName = servicePorts[port]

	if grabBanner {
		banner := p.grabBanner(conn, port)
		if banner != "" {
			dp.Banner = banner
			if svc := detectServiceFromBanner(banner); svc != "" {
				dp.ServiceName = svc
			}
		}
	}

	return dp
}

func (p *Probe) grabBanner(conn net.Conn, port int) string {
	deadline := time.Now().Add(p.cfg.BannerTimeout)
	_ = conn.SetDeadline(deadline)

	if stimulus := bannerStimulus(port); stimulus != nil {
		if _, err := conn.Write(stimulus); err != nil {
			return ""
		}
	}

	buf := make([]byte, maxBannerLen)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return ""
	}
	return cleanBanner(buf[:n])
}

// scanUDP sends an empty datagram and reports OPEN only on a reply.
// Silence is indistinguishable from loss, so silent ports are FILTERED.
func (p *Probe) scanUDP(ctx context.Context, target string, ports []int) []types.DiscoveredPort {
	var discovered []types.DiscoveredPort

	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}

		dialer := net.Dialer{Timeout: p.cfg.UDPTimeout}
		conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(target, strconv.Itoa(port)))
		if err != nil {
			continue
		}

		_ = conn.SetDeadline(time.Now().Add(p.cfg.UDPTimeout))
		if _, err := conn.Write([]byte{}); err != nil {
			conn.Close()
			continue
		}

		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		conn.Close()

		if err == nil && n > 0 {
			discovered = append(discovered, types.DiscoveredPort{
				Address:  target,
				Port:     port,
				Protocol: types.ProtocolUDP,
				Status:   types.PortStatusOpen,
				Banner:   cleanBanner(buf[:n]),
				Source:   "port_scan_udp",
			})
		}
	}

	return discovered
}
