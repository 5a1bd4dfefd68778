package pool

import "time"

// healthCheckLoop pings every Idle slot at health_check_interval; busy or
// starting slots are skipped by sendHealthCheck.
func (p *Pool) healthCheckLoop() {
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := p.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.mu.Lock()
			slots := append([]*slot(nil), p.slots...)
			p.mu.Unlock()
			for _, s := range slots {
				s.sendHealthCheck(timeout)
			}
		}
	}
}
