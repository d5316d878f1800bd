package state

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

func AodvConfigValidator(c *AodvCfg) error {
	if c.RreqRetries < 0 {
		return fmt.Errorf("rreq_retries must not be negative")
	}
	if c.TtlStart == 0 || c.TtlIncrement == 0 {
		return fmt.Errorf("ttl_start and ttl_increment must be positive")
	}
	if c.TtlStart > c.NetDiameter || c.TtlThreshold > c.NetDiameter {
		return fmt.Errorf("ttl_start (%d) and ttl_threshold (%d) must not exceed net_diameter (%d)", c.TtlStart, c.TtlThreshold, c.NetDiameter)
	}
	if c.NodeTraversalTime <= 0 || c.ActiveRouteTimeout <= 0 {
		return fmt.Errorf("node_traversal_time and active_route_timeout must be positive")
	}
	if c.MaxQueueLen <= 0 || c.MaxQueueTime <= 0 {
		return fmt.Errorf("max_queue_len and max_queue_time must be positive")
	}
	if c.RreqRateLimit < 0 || c.RerrRateLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.EnableHello && (c.HelloInterval <= 0 || c.AllowedHelloLoss <= 0) {
		return fmt.Errorf("hello_interval and allowed_hello_loss must be positive when hellos are enabled")
	}
	return nil
}

func QLearnConfigValidator(c *QLearnCfg) error {
	probs := map[string]float64{
		"alpha":   c.Alpha,
		"gamma":   c.Gamma,
		"epsilon": c.Epsilon,
		"rho":     c.Rho,
	}
	for name, v := range probs {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s = %v must be within [0, 1]", name, v)
		}
	}
	if c.Alpha == 0 {
		return fmt.Errorf("alpha must be positive or the estimator never learns")
	}
	if c.ConvergenceThreshold <= 0 || c.LearnMoreThreshold < c.ConvergenceThreshold {
		return fmt.Errorf("convergence_threshold must be positive and not above learn_more_threshold")
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("max_retry must not be negative")
	}
	return nil
}

func NodeConfigValidator(node *NodeCfg) error {
	err := NameValidator(node.Id)
	if err != nil {
		return err
	}
	if !node.Address.IsValid() || !node.Address.Is4() {
		return fmt.Errorf("node.Address must be an IPv4 address")
	}
	if !node.Bind.IsValid() {
		return fmt.Errorf("node.Bind is invalid")
	}
	seen := make([]PeerCfg, 0, len(node.Peers))
	for _, peer := range node.Peers {
		if !peer.Address.Is4() || !peer.Endpoint.IsValid() {
			return fmt.Errorf("peer %s has an invalid address or endpoint", peer.Address)
		}
		if peer.Address == node.Address {
			return fmt.Errorf("peer %s is this node", peer.Address)
		}
		if slices.ContainsFunc(seen, func(p PeerCfg) bool { return p.Address == peer.Address }) {
			return fmt.Errorf("duplicate peer found: %s", peer.Address)
		}
		seen = append(seen, peer)
	}
	for _, flow := range node.Flows {
		if !flow.To.Is4() {
			return fmt.Errorf("flow destination %s is not an IPv4 address", flow.To)
		}
		if flow.Interval <= 0 {
			return fmt.Errorf("flow to %s must have a positive interval", flow.To)
		}
	}
	if err := AodvConfigValidator(&node.Aodv); err != nil {
		return err
	}
	return QLearnConfigValidator(&node.QLearn)
}
