// Package apiserver exposes vhotplugd's control API over any
// combination of unix, tcp and vsock listeners, framed as
// newline-delimited JSON.
package apiserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/tiiuae/vhotplugd/internal/config"
	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
	"github.com/tiiuae/vhotplugd/internal/policy"
	"github.com/tiiuae/vhotplugd/internal/state"
)

var apiLog = log.For("apiserver")

// request is the newline-delimited JSON envelope read from a client.
type request struct {
	Action string `json:"action"`

	VM string `json:"vm,omitempty"`

	DeviceNode string `json:"device_node,omitempty"`
	Bus        *int   `json:"bus,omitempty"`
	Port       *int   `json:"port,omitempty"`
	VID        string `json:"vid,omitempty"`
	PID        string `json:"pid,omitempty"`

	Address string `json:"address,omitempty"`
	DID     string `json:"did,omitempty"`

	Disconnected bool `json:"disconnected,omitempty"`
}

// response is the newline-delimited JSON envelope written back.
type response map[string]any

func ok(extra response) response {
	out := response{"result": "ok"}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func failed(err error) response {
	return response{"result": "failed", "error": err.Error()}
}

// Server accepts control connections on any subset of unix/tcp/vsock
// transports and dispatches their requests to an Orchestrator.
type Server struct {
	cfg    config.APIConfig
	orch   Orchestrator
	store  *state.Store
	udev   DeviceSource
	engine *policy.Engine

	modprobeBin string
	modinfoBin  string

	mu          sync.Mutex
	subscribers map[*conn]bool
}

// Orchestrator is the subset of orchestrator.Orchestrator the API server
// drives; kept as an interface so handlers can be tested against a fake.
type Orchestrator interface {
	AttachUSB(ctx context.Context, dev device.USBInfo, ask bool) error
	AttachUSBTo(ctx context.Context, dev device.USBInfo, vm string) error
	RemoveUSB(ctx context.Context, dev device.USBInfo, permanent bool) error
	AttachPCI(ctx context.Context, dev device.PCIInfo) error
	AttachPCITo(ctx context.Context, dev device.PCIInfo, vm string) error
	RemovePCI(ctx context.Context, dev device.PCIInfo, permanent bool) error
	Suspend(ctx context.Context, vm string) error
	Resume(ctx context.Context, vm string) error
}

// DeviceSource is the subset of udevsrc.Source the API server needs to
// resolve a request's device selector into a concrete device. Kept as an
// interface so handlers can be tested against a fake.
type DeviceSource interface {
	USBByDeviceNode(node string) (device.USBInfo, error)
	USBByBusPort(bus, port int) (device.USBInfo, error)
	USBByVIDPID(vid, pid string) (device.USBInfo, error)
	PCIByAddress(address string) (device.PCIInfo, error)
	PCIByVIDDID(vendorID, deviceID int) (device.PCIInfo, error)
	ListUSB() ([]device.USBInfo, error)
	ListPCI() ([]device.PCIInfo, error)
}

// New creates a Server. orch, store and udevSrc must already be running.
// modprobeBin/modinfoBin override the binaries used by usb_drivers; an
// empty value falls back to "modprobe"/"modinfo" on $PATH.
func New(cfg config.APIConfig, orch Orchestrator, store *state.Store, udevSrc DeviceSource, engine *policy.Engine, modprobeBin, modinfoBin string) *Server {
	return &Server{
		cfg:         cfg,
		orch:        orch,
		store:       store,
		udev:        udevSrc,
		engine:      engine,
		modprobeBin: modprobeBin,
		modinfoBin:  modinfoBin,
		subscribers: map[*conn]bool{},
	}
}

// conn is one accepted client connection. id is a random correlation id
// used only in logs, so a sequence of log lines spanning an accept,
// several requests and an eventual disconnect can be tied together.
type conn struct {
	id      string
	nc      net.Conn
	notify  bool
	writeMu sync.Mutex
}

func (c *conn) send(r response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.nc.Write(data)
	return err
}

// Notify implements orchestrator.Notifier, fanning out an event to every
// subscribed connection.
func (s *Server) Notify(event string, payload map[string]any) {
	msg := response{"event": event}
	for k, v := range payload {
		msg[k] = v
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.subscribers))
	for c := range s.subscribers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.send(msg); err != nil {
			apiLog.WithError(err).Debug("failed to notify subscriber, dropping")
			s.drop(c)
		}
	}
}

func (s *Server) subscribe(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[c] = true
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, c)
}

// Run binds every configured transport and serves connections until ctx
// is canceled. One accept goroutine is started per transport.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(s.cfg.Transports))

	for _, transport := range s.cfg.Transports {
		listener, err := s.listen(transport)
		if err != nil {
			return fmt.Errorf("apiserver: listen on %s: %w", transport, err)
		}
		wg.Add(1)
		go func(transport string, l net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, transport, l)
		}(transport, listener)
	}

	go func() {
		<-ctx.Done()
		// acceptLoop goroutines exit on their own once their listener's
		// Accept starts failing after Close, triggered below.
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) listen(transport string) (net.Listener, error) {
	switch transport {
	case "unix":
		return net.Listen("unix", s.cfg.UnixSocket)
	case "tcp":
		return net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	case "vsock":
		return listenVsock(s.cfg.Port)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

func (s *Server) acceptLoop(ctx context.Context, transport string, l net.Listener) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	apiLog.WithField("transport", transport).Info("listening for API connections")
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			apiLog.WithError(err).WithField("transport", transport).Warn("accept failed")
			continue
		}

		if transport == "vsock" && len(s.cfg.AllowedCIDs) > 0 && !cidAllowed(nc, s.cfg.AllowedCIDs) {
			apiLog.WithField("remote", nc.RemoteAddr()).Warn("rejecting vsock connection from disallowed CID")
			nc.Close()
			continue
		}

		c := &conn{id: uuid.NewString(), nc: nc}
		apiLog.WithField("conn", c.id).WithField("transport", transport).Debug("accepted API connection")
		go s.handleConn(ctx, c)
	}
}

func (s *Server) handleConn(ctx context.Context, c *conn) {
	defer func() {
		s.drop(c)
		c.nc.Close()
		apiLog.WithField("conn", c.id).Debug("API connection closed")
	}()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = c.send(failed(fmt.Errorf("invalid request: %w", err)))
			continue
		}
		resp := s.handle(ctx, c, req)
		if err := c.send(resp); err != nil {
			apiLog.WithError(err).Debug("failed to write response, closing connection")
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, c *conn, req request) response {
	switch req.Action {
	case "enable_notifications":
		c.notify = true
		s.subscribe(c)
		return ok(nil)
	case "usb_list":
		return s.handleUSBList(req)
	case "usb_attach":
		return s.handleUSBAttach(ctx, req)
	case "usb_detach":
		return s.handleUSBDetach(ctx, req)
	case "usb_suspend":
		return s.handleSuspendResume(ctx, req, true)
	case "usb_resume":
		return s.handleSuspendResume(ctx, req, false)
	case "pci_list":
		return s.handlePCIList(req)
	case "pci_attach":
		return s.handlePCIAttach(ctx, req)
	case "pci_detach":
		return s.handlePCIDetach(ctx, req)
	case "pci_suspend":
		return s.handleSuspendResume(ctx, req, true)
	case "pci_resume":
		return s.handleSuspendResume(ctx, req, false)
	case "disconnected_list":
		return ok(response{"disconnected_devices": s.store.ListDisconnected()})
	case "usb_drivers":
		return s.handleUSBDrivers(req)
	default:
		return failed(fmt.Errorf("Unknown message: %s", req.Action))
	}
}

// allowedVMsOf flattens a policy.Result's target/allowlist into the
// single "allowed_vms" list the API reports for an unattached but
// rule-matched device.
func allowedVMsOf(res policy.Result) []string {
	if res.TargetVM != "" {
		return []string{res.TargetVM}
	}
	return res.AllowedVMs
}

// usbDeviceView renders one usb_list entry. An attached device reports
// its vm; an unattached-but-matched device reports vm:null plus the VMs
// the rule would allow it onto, per spec.md's S4 boot-device scenario.
func usbDeviceView(dev device.USBInfo, vm string, attached bool, res policy.Result) map[string]any {
	view := map[string]any{
		"device_node":  dev.DeviceNode,
		"vid":          dev.VID,
		"pid":          dev.PID,
		"vendor_name":  dev.VendorName,
		"product_name": dev.ProductName,
		"serial":       dev.Serial,
	}
	if attached {
		view["vm"] = vm
	} else {
		view["vm"] = nil
		view["allowed_vms"] = allowedVMsOf(res)
	}
	return view
}

func (s *Server) handleUSBList(req request) response {
	attached := s.store.ListUSBDevices()
	seen := map[string]bool{}
	devices := []map[string]any{}

	all, err := s.udev.ListUSB()
	if err != nil {
		apiLog.WithError(err).Warn("failed to enumerate USB devices for usb_list")
	}
	for _, dev := range all {
		seen[dev.DeviceNode] = true
		vm, isAttached := attached[dev.DeviceNode]
		res := s.engine.VMForUSB(dev)
		if !isAttached && !res.Matched() {
			continue
		}
		devices = append(devices, usbDeviceView(dev, vm, isAttached, res))
	}
	for node, vm := range attached {
		if seen[node] {
			continue
		}
		dev, err := s.udev.USBByDeviceNode(node)
		if err != nil {
			continue
		}
		devices = append(devices, usbDeviceView(dev, vm, true, policy.Result{}))
	}
	if req.Disconnected {
		for _, id := range s.store.ListDisconnected() {
			devices = append(devices, map[string]any{"persistent_id": id})
		}
	}
	return ok(response{"usb_devices": devices})
}

func (s *Server) resolveUSB(req request) (device.USBInfo, error) {
	switch {
	case req.DeviceNode != "":
		return s.udev.USBByDeviceNode(req.DeviceNode)
	case req.Bus != nil && req.Port != nil:
		return s.udev.USBByBusPort(*req.Bus, *req.Port)
	case req.VID != "" && req.PID != "":
		return s.udev.USBByVIDPID(req.VID, req.PID)
	default:
		return device.USBInfo{}, fmt.Errorf("no device identifier given")
	}
}

func (s *Server) handleUSBAttach(ctx context.Context, req request) response {
	dev, err := s.resolveUSB(req)
	if err != nil {
		return failed(err)
	}
	if req.VM == "" {
		return failed(fmt.Errorf("vm is required"))
	}
	if err := s.orch.AttachUSBTo(ctx, dev, req.VM); err != nil {
		return failed(err)
	}
	s.store.SelectVMForDevice(dev, req.VM)
	return ok(nil)
}

func (s *Server) handleUSBDetach(ctx context.Context, req request) response {
	dev, err := s.resolveUSB(req)
	if err != nil {
		return failed(err)
	}
	if err := s.orch.RemoveUSB(ctx, dev, true); err != nil {
		return failed(err)
	}
	return ok(nil)
}

// handleUSBDrivers answers the read-only "usb_drivers" query: given a
// device node, it resolves the kernel module(s) that would claim each of
// the device's USB interfaces via modalias lookup, for UIs deciding
// whether a device also has a viable host-side driver before it is
// passed through.
func (s *Server) handleUSBDrivers(req request) response {
	dev, err := s.resolveUSB(req)
	if err != nil {
		return failed(err)
	}
	drivers := device.ResolveDrivers(dev.Modaliases(), s.modprobeBin, s.modinfoBin)
	return ok(response{"drivers": drivers})
}

func (s *Server) handleSuspendResume(ctx context.Context, req request, suspend bool) response {
	var err error
	if suspend {
		err = s.orch.Suspend(ctx, req.VM)
	} else {
		err = s.orch.Resume(ctx, req.VM)
	}
	if err != nil {
		return failed(err)
	}
	return ok(nil)
}

// pciDeviceView renders one pci_list entry, with the same attached vs.
// matched-but-unattached shape as usbDeviceView.
func pciDeviceView(dev device.PCIInfo, vm string, attached bool, res policy.Result) map[string]any {
	view := map[string]any{
		"address":   dev.Address,
		"vendor_id": fmt.Sprintf("%04x", dev.VendorID),
		"device_id": fmt.Sprintf("%04x", dev.DeviceID),
	}
	if attached {
		view["vm"] = vm
	} else {
		view["vm"] = nil
		view["allowed_vms"] = allowedVMsOf(res)
	}
	return view
}

func (s *Server) handlePCIList(req request) response {
	attached := s.store.ListPCIDevices()
	seen := map[string]bool{}
	devices := []map[string]any{}

	all, err := s.udev.ListPCI()
	if err != nil {
		apiLog.WithError(err).Warn("failed to enumerate PCI devices for pci_list")
	}
	for _, dev := range all {
		seen[dev.Address] = true
		vm, isAttached := attached[dev.Address]
		res := s.engine.VMForPCI(dev)
		if !isAttached && !res.Matched() {
			continue
		}
		devices = append(devices, pciDeviceView(dev, vm, isAttached, res))
	}
	for addr, vm := range attached {
		if seen[addr] {
			continue
		}
		dev, err := s.udev.PCIByAddress(addr)
		if err != nil {
			continue
		}
		devices = append(devices, pciDeviceView(dev, vm, true, policy.Result{}))
	}
	return ok(response{"pci_devices": devices})
}

func (s *Server) resolvePCI(req request) (device.PCIInfo, error) {
	if req.Address != "" {
		return s.udev.PCIByAddress(req.Address)
	}
	if req.VID != "" && req.DID != "" {
		var vendorID, deviceID int
		if _, err := fmt.Sscanf(req.VID, "%x", &vendorID); err != nil {
			return device.PCIInfo{}, fmt.Errorf("invalid vid %q", req.VID)
		}
		if _, err := fmt.Sscanf(req.DID, "%x", &deviceID); err != nil {
			return device.PCIInfo{}, fmt.Errorf("invalid did %q", req.DID)
		}
		return s.udev.PCIByVIDDID(vendorID, deviceID)
	}
	return device.PCIInfo{}, fmt.Errorf("no device identifier given")
}

func (s *Server) handlePCIAttach(ctx context.Context, req request) response {
	dev, err := s.resolvePCI(req)
	if err != nil {
		return failed(err)
	}
	if req.VM == "" {
		return failed(fmt.Errorf("vm is required"))
	}
	if err := s.orch.AttachPCITo(ctx, dev, req.VM); err != nil {
		return failed(err)
	}
	s.store.SelectVMForDevice(dev, req.VM)
	return ok(nil)
}

func (s *Server) handlePCIDetach(ctx context.Context, req request) response {
	dev, err := s.resolvePCI(req)
	if err != nil {
		return failed(err)
	}
	if err := s.orch.RemovePCI(ctx, dev, true); err != nil {
		return failed(err)
	}
	return ok(nil)
}
