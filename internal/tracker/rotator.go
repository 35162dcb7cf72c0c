package tracker

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RotctlClient is a client for a Hamlib rotctld daemon's line protocol over
// TCP, adapted directly from a reference RotctlClient (same command set and
// exponential-backoff auto-reconnect), generalized only to accept a logger
// instead of calling log/fmt.Printf directly.
type RotctlClient struct {
	host              string
	port              int
	conn              net.Conn
	reader            *bufio.Reader
	connected         bool
	mu                sync.Mutex
	timeout           time.Duration
	autoReconnect     bool
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	log               *log.Logger
}

// RotatorPosition is the azimuth/elevation reported or commanded by rotctld.
type RotatorPosition struct {
	AzimuthDeg   float64
	ElevationDeg float64
}

// NewRotctlClient creates a client for the rotctld daemon at host:port.
func NewRotctlClient(host string, port int, logger *log.Logger) *RotctlClient {
	if logger == nil {
		logger = log.Default()
	}
	return &RotctlClient{
		host:              host,
		port:              port,
		timeout:           5 * time.Second,
		autoReconnect:     true,
		initialRetryDelay: time.Second,
		maxRetryDelay:     60 * time.Second,
		log:               logger,
	}
}

// Connect establishes the TCP connection to rotctld.
func (r *RotctlClient) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return fmt.Errorf("rotctl: already connected")
	}
	return r.connectLocked()
}

func (r *RotctlClient) connectLocked() error {
	addr := net.JoinHostPort(r.host, strconv.Itoa(r.port))
	conn, err := net.DialTimeout("tcp", addr, r.timeout)
	if err != nil {
		return fmt.Errorf("rotctl: connect to %s: %w", addr, err)
	}
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	r.connected = true
	return nil
}

// reconnect retries with exponential backoff, unlimited attempts, until it
// succeeds or the caller gives up by not calling it again.
func (r *RotctlClient) reconnect() error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
		r.reader = nil
	}
	r.mu.Unlock()

	delay := r.initialRetryDelay
	attempt := 1
	for {
		r.mu.Lock()
		if err := r.connectLocked(); err == nil {
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		if attempt == 1 || attempt%10 == 0 {
			r.log.Printf("rotctl: reconnect attempt %d failed, retrying in %v", attempt, delay)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > r.maxRetryDelay {
			delay = r.maxRetryDelay
		}
		attempt++
	}
}

// Disconnect closes the connection to rotctld.
func (r *RotctlClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnectLocked()
}

func (r *RotctlClient) disconnectLocked() error {
	if !r.connected {
		return nil
	}
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
		r.reader = nil
	}
	r.connected = false
	return err
}

// IsConnected reports the current connection status.
func (r *RotctlClient) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *RotctlClient) sendCommand(cmd string) (string, error) {
	return r.sendCommandWithRetry(cmd, true)
}

func (r *RotctlClient) sendCommandWithRetry(cmd string, allowRetry bool) (string, error) {
	r.mu.Lock()

	if !r.connected || r.conn == nil {
		r.mu.Unlock()
		if allowRetry && r.autoReconnect {
			if err := r.reconnect(); err != nil {
				return "", fmt.Errorf("rotctl: not connected and reconnect failed: %w", err)
			}
			return r.sendCommandWithRetry(cmd, false)
		}
		return "", fmt.Errorf("rotctl: not connected")
	}

	if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("rotctl: set write deadline: %w", err)
	}
	if _, err := r.conn.Write([]byte(cmd + "\n")); err != nil {
		r.disconnectLocked()
		r.mu.Unlock()
		if allowRetry && r.autoReconnect {
			if reconnErr := r.reconnect(); reconnErr == nil {
				return r.sendCommandWithRetry(cmd, false)
			}
		}
		return "", fmt.Errorf("rotctl: send command: %w", err)
	}

	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("rotctl: set read deadline: %w", err)
	}

	var response strings.Builder
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			r.disconnectLocked()
			r.mu.Unlock()
			if allowRetry && r.autoReconnect {
				if reconnErr := r.reconnect(); reconnErr == nil {
					return r.sendCommandWithRetry(cmd, false)
				}
			}
			return "", fmt.Errorf("rotctl: read response: %w", err)
		}
		response.WriteString(line)

		if strings.HasPrefix(line, "RPRT") {
			break
		}
		if !strings.HasPrefix(cmd, "\\") && len(strings.TrimSpace(line)) > 0 {
			peek, _ := r.reader.Peek(4)
			if len(peek) >= 4 && string(peek[:4]) == "RPRT" {
				rprtLine, _ := r.reader.ReadString('\n')
				response.WriteString(rprtLine)
				break
			}
			if cmd == "p" {
				line2, err := r.reader.ReadString('\n')
				if err != nil {
					r.disconnectLocked()
					r.mu.Unlock()
					if allowRetry && r.autoReconnect {
						if reconnErr := r.reconnect(); reconnErr == nil {
							return r.sendCommandWithRetry(cmd, false)
						}
					}
					return "", fmt.Errorf("rotctl: read second position line: %w", err)
				}
				response.WriteString(line2)
				break
			}
		}
	}

	r.mu.Unlock()
	return response.String(), nil
}

func checkRotctlResponse(response string) error {
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		if !strings.HasPrefix(line, "RPRT") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("rotctl: invalid RPRT line %q", line)
		}
		if code != 0 {
			return fmt.Errorf("rotctl: rotctld error RPRT %d", code)
		}
	}
	return nil
}

// GetPosition retrieves the rotator's current azimuth/elevation.
func (r *RotctlClient) GetPosition() (RotatorPosition, error) {
	response, err := r.sendCommand("p")
	if err != nil {
		return RotatorPosition{}, err
	}
	lines := strings.Split(strings.TrimSpace(response), "\n")
	if len(lines) < 2 {
		return RotatorPosition{}, fmt.Errorf("rotctl: expected 2 position lines, got %d", len(lines))
	}
	// rotctld returns elevation first, then azimuth.
	el, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return RotatorPosition{}, fmt.Errorf("rotctl: parse elevation: %w", err)
	}
	az, err := strconv.ParseFloat(strings.TrimSpace(lines[1]), 64)
	if err != nil {
		return RotatorPosition{}, fmt.Errorf("rotctl: parse azimuth: %w", err)
	}
	return RotatorPosition{AzimuthDeg: az, ElevationDeg: el}, nil
}

// SetPosition commands the rotator to a new azimuth/elevation.
func (r *RotctlClient) SetPosition(azimuthDeg, elevationDeg float64) error {
	cmd := fmt.Sprintf("P %.0f %.0f", azimuthDeg, elevationDeg)
	response, err := r.sendCommand(cmd)
	if err != nil {
		return err
	}
	return checkRotctlResponse(response)
}

// Stop halts any ongoing rotator movement.
func (r *RotctlClient) Stop() error {
	response, err := r.sendCommand("S")
	if err != nil {
		return err
	}
	return checkRotctlResponse(response)
}

// Park moves the rotator to its configured park position.
func (r *RotctlClient) Park() error {
	response, err := r.sendCommand("K")
	if err != nil {
		return err
	}
	return checkRotctlResponse(response)
}

// RotatorController layers target-tracking and jitter-tolerant
// arrival-detection on top of RotctlClient, adapted directly from a
// reference RotatorController: a position-history window is used to tell
// real movement apart from measurement jitter, and a command is retried
// (stop, then resend) if the rotator appears stuck.
type RotatorController struct {
	client *RotctlClient

	mu               sync.RWMutex
	position         RotatorPosition
	moving           bool
	lastErr          error
	updatedAt        time.Time
	target           *RotatorPosition
	history          []positionSample
	commandStarted   time.Time
	lastMovementTime time.Time
	retryCount       int

	jitterThresholdDeg float64
	trendThresholdDeg  float64
	minSamplesForTrend int
	maxRetries         int
	retryTimeout       time.Duration
	stuckThreshold     time.Duration
	successToleranceDeg float64
	closeToleranceDeg   float64
}

type positionSample struct {
	position  RotatorPosition
	timestamp time.Time
}

// NewRotatorController creates a controller around a client dialed at
// host:port, with the reference implementation's default tolerances.
func NewRotatorController(host string, port int, logger *log.Logger) *RotatorController {
	return &RotatorController{
		client:              NewRotctlClient(host, port, logger),
		jitterThresholdDeg:  3.0,
		trendThresholdDeg:   5.0,
		minSamplesForTrend:  3,
		maxRetries:          3,
		retryTimeout:        90 * time.Second,
		stuckThreshold:      30 * time.Second,
		successToleranceDeg: 2.0,
		closeToleranceDeg:   5.0,
	}
}

// Connect dials rotctld.
func (rc *RotatorController) Connect() error { return rc.client.Connect() }

// Disconnect closes the rotctld connection.
func (rc *RotatorController) Disconnect() error { return rc.client.Disconnect() }

// Position returns the last-polled position.
func (rc *RotatorController) Position() RotatorPosition {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.position
}

// Moving reports whether the controller believes the rotator is still
// slewing toward its target.
func (rc *RotatorController) Moving() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.moving
}

// SetTarget commands the rotator to a new position and starts tracking its
// arrival.
func (rc *RotatorController) SetTarget(azimuthDeg, elevationDeg float64) error {
	rc.mu.Lock()
	rc.moving = true
	rc.target = &RotatorPosition{AzimuthDeg: azimuthDeg, ElevationDeg: elevationDeg}
	rc.commandStarted = time.Now()
	rc.lastMovementTime = rc.commandStarted
	rc.retryCount = 0
	rc.history = rc.history[:0]
	rc.mu.Unlock()

	err := rc.client.SetPosition(azimuthDeg, elevationDeg)

	rc.mu.Lock()
	if err != nil {
		rc.lastErr = err
		rc.moving = false
		rc.target = nil
	}
	rc.mu.Unlock()
	return err
}

// Poll refreshes the cached position from the rotator and, if a target is
// set, updates Moving based on jitter-tolerant trend detection, retrying
// (stop + resend) if the rotator appears stuck without making progress.
func (rc *RotatorController) Poll() error {
	pos, err := rc.client.GetPosition()
	now := time.Now()

	rc.mu.Lock()
	if err != nil {
		rc.lastErr = err
		rc.mu.Unlock()
		return err
	}
	rc.position = pos
	rc.lastErr = nil
	rc.updatedAt = now

	if rc.target == nil {
		rc.moving = false
		rc.mu.Unlock()
		return nil
	}

	rc.history = append(rc.history, positionSample{position: pos, timestamp: now})
	if len(rc.history) > 5 {
		rc.history = rc.history[1:]
	}

	azDiff := angularDelta(rc.target.AzimuthDeg, pos.AzimuthDeg)
	elDiff := absFloat(rc.target.ElevationDeg - pos.ElevationDeg)

	if azDiff <= rc.successToleranceDeg && elDiff <= rc.successToleranceDeg {
		rc.moving = false
		rc.target = nil
		rc.retryCount = 0
		rc.history = rc.history[:0]
		rc.mu.Unlock()
		return nil
	}

	elapsed := now.Sub(rc.commandStarted)
	realMovement := rc.isRealMovement()
	if realMovement {
		rc.lastMovementTime = now
		if elapsed > rc.retryTimeout {
			if azDiff <= rc.closeToleranceDeg && elDiff <= rc.closeToleranceDeg {
				rc.moving = false
				rc.target = nil
				rc.retryCount = 0
				rc.history = rc.history[:0]
				rc.mu.Unlock()
				return nil
			}
			rc.retryLocked()
		}
	} else if now.Sub(rc.lastMovementTime) > rc.stuckThreshold {
		rc.retryLocked()
	}

	rc.mu.Unlock()
	return nil
}

// retryLocked stops and resends the target command; caller must hold mu.
func (rc *RotatorController) retryLocked() {
	if rc.retryCount >= rc.maxRetries {
		rc.lastErr = fmt.Errorf("rotctl: failed to reach target after %d retries", rc.maxRetries)
		rc.moving = false
		rc.target = nil
		rc.retryCount = 0
		rc.history = rc.history[:0]
		return
	}
	rc.retryCount++
	target := *rc.target
	rc.history = rc.history[:0]
	rc.commandStarted = time.Now()
	rc.lastMovementTime = rc.commandStarted

	rc.mu.Unlock()
	_ = rc.client.Stop()
	time.Sleep(500 * time.Millisecond)
	err := rc.client.SetPosition(target.AzimuthDeg, target.ElevationDeg)
	rc.mu.Lock()
	if err != nil {
		rc.lastErr = err
	}
}

func (rc *RotatorController) isRealMovement() bool {
	if len(rc.history) < rc.minSamplesForTrend {
		return false
	}
	oldest := rc.history[0]
	newest := rc.history[len(rc.history)-1]
	if newest.timestamp.Sub(oldest.timestamp).Seconds() < 1.0 {
		return false
	}
	netAz := angularDelta(oldest.position.AzimuthDeg, newest.position.AzimuthDeg)
	netEl := absFloat(newest.position.ElevationDeg - oldest.position.ElevationDeg)
	jitter := rc.maxJitter()

	if netAz > rc.jitterThresholdDeg || netEl > rc.jitterThresholdDeg {
		if jitter < rc.jitterThresholdDeg {
			return true
		}
		if netAz > rc.trendThresholdDeg || netEl > rc.trendThresholdDeg {
			return true
		}
	}
	return false
}

func (rc *RotatorController) maxJitter() float64 {
	if len(rc.history) < 2 {
		return 0
	}
	minAz, maxAz := rc.history[0].position.AzimuthDeg, rc.history[0].position.AzimuthDeg
	minEl, maxEl := rc.history[0].position.ElevationDeg, rc.history[0].position.ElevationDeg
	for _, s := range rc.history {
		if s.position.AzimuthDeg < minAz {
			minAz = s.position.AzimuthDeg
		}
		if s.position.AzimuthDeg > maxAz {
			maxAz = s.position.AzimuthDeg
		}
		if s.position.ElevationDeg < minEl {
			minEl = s.position.ElevationDeg
		}
		if s.position.ElevationDeg > maxEl {
			maxEl = s.position.ElevationDeg
		}
	}
	azJitter := maxAz - minAz
	if azJitter > 180 {
		azJitter = 360 - azJitter
	}
	elJitter := maxEl - minEl
	if azJitter > elJitter {
		return azJitter
	}
	return elJitter
}

func angularDelta(from, to float64) float64 {
	d := absFloat(to - from)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// ScheduledPosition is a fallback "park at bearing X at time Y" entry used
// when no satellite is currently being tracked.
type ScheduledPosition struct {
	Time    string // "HH:MM", 24-hour, local to the scheduler
	Bearing float64
}

// RotatorFallbackScheduler parks the rotator at configured bearings at
// configured times of day, but only while nothing is actively being
// tracked. Adapted from a reference RotatorScheduler, generalized from a
// standalone always-on scheduler into one the Tracker consults so it never
// fights an active satellite pass.
type RotatorFallbackScheduler struct {
	controller *RotatorController
	isTracking func() bool
	positions  []ScheduledPosition
	log        *log.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewRotatorFallbackScheduler creates a fallback scheduler over controller.
// isTracking must report whether a satellite pass currently owns the
// rotator; the scheduler no-ops whenever it returns true.
func NewRotatorFallbackScheduler(controller *RotatorController, positions []ScheduledPosition, isTracking func() bool, logger *log.Logger) *RotatorFallbackScheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &RotatorFallbackScheduler{controller: controller, isTracking: isTracking, positions: positions, log: logger}
}

// Start launches the minute-resolution check loop.
func (s *RotatorFallbackScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || len(s.positions) == 0 {
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true
	go s.loop(s.stopCh)
}

// Stop halts the check loop.
func (s *RotatorFallbackScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *RotatorFallbackScheduler) loop(stop chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	s.check()
	for {
		select {
		case <-ticker.C:
			s.check()
		case <-stop:
			return
		}
	}
}

func (s *RotatorFallbackScheduler) check() {
	if s.isTracking() {
		return
	}
	now := time.Now().Format("15:04")
	for _, pos := range s.positions {
		if pos.Time != now {
			continue
		}
		if !s.controller.client.IsConnected() {
			s.log.Printf("tracker: skipping scheduled rotator position bearing=%.0f, rotator not connected", pos.Bearing)
			continue
		}
		cur := s.controller.Position()
		if err := s.controller.SetTarget(pos.Bearing, cur.ElevationDeg); err != nil {
			s.log.Printf("tracker: scheduled rotator position bearing=%.0f failed: %v", pos.Bearing, err)
		}
	}
}

// NextScheduledPosition returns the next position due today or tomorrow,
// for status reporting.
func (s *RotatorFallbackScheduler) NextScheduledPosition() (ScheduledPosition, bool) {
	if len(s.positions) == 0 {
		return ScheduledPosition{}, false
	}
	now := time.Now()
	nowMinutes := now.Hour()*60 + now.Minute()

	type withMinutes struct {
		pos     ScheduledPosition
		minutes int
	}
	sorted := make([]withMinutes, 0, len(s.positions))
	for _, p := range s.positions {
		t, err := time.Parse("15:04", p.Time)
		if err != nil {
			continue
		}
		sorted = append(sorted, withMinutes{pos: p, minutes: t.Hour()*60 + t.Minute()})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].minutes < sorted[j].minutes })

	for _, wm := range sorted {
		if wm.minutes > nowMinutes {
			return wm.pos, true
		}
	}
	if len(sorted) > 0 {
		return sorted[0].pos, true
	}
	return ScheduledPosition{}, false
}
