package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/resched/internal/scheduler"
)

// PolicyFile is the YAML form of the scheduling policy.
//
//	max_delayable_per_client: 10
//	max_delayable_per_host: 6
//	delayable_threshold: low
//	multiplexed_hosts:
//	  - cdn.example.com:443
type PolicyFile struct {
	MaxDelayablePerClient int      `yaml:"max_delayable_per_client"`
	MaxDelayablePerHost   int      `yaml:"max_delayable_per_host"`
	DelayableThreshold    string   `yaml:"delayable_threshold"`
	MultiplexedHosts      []string `yaml:"multiplexed_hosts"`
}

// LoadPolicyFile reads and validates a YAML policy. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadPolicyFile(path string) (PolicyFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("open policy file %s: %w", path, err)
	}
	if info.IsDir() {
		return PolicyFile{}, fmt.Errorf("%s is a directory, expected a file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	defer f.Close()

	var pf PolicyFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return PolicyFile{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if _, err := pf.Policy(); err != nil {
		return PolicyFile{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return pf, nil
}

// Policy converts the file into a scheduler policy. Zero fields keep the
// scheduler defaults.
func (pf PolicyFile) Policy() (scheduler.Policy, error) {
	if pf.MaxDelayablePerClient < 0 {
		return scheduler.Policy{}, fmt.Errorf("max_delayable_per_client must not be negative")
	}
	if pf.MaxDelayablePerHost < 0 {
		return scheduler.Policy{}, fmt.Errorf("max_delayable_per_host must not be negative")
	}
	p := scheduler.Policy{
		MaxDelayablePerClient: pf.MaxDelayablePerClient,
		MaxDelayablePerHost:   pf.MaxDelayablePerHost,
	}
	if strings.TrimSpace(pf.DelayableThreshold) != "" {
		threshold, err := scheduler.ParsePriority(pf.DelayableThreshold)
		if err != nil {
			return scheduler.Policy{}, fmt.Errorf("delayable_threshold: %w", err)
		}
		p.DelayableThreshold = threshold
	}
	return p, nil
}

// ResolvePolicy merges the policy file, if any, with the values set by flags
// or environment. It returns the policy and the hosts to seed as
// multiplexed.
func (c ServerConfig) ResolvePolicy() (scheduler.Policy, []string, error) {
	var pf PolicyFile
	if c.PolicyFile != "" {
		loaded, err := LoadPolicyFile(c.PolicyFile)
		if err != nil {
			return scheduler.Policy{}, nil, err
		}
		pf = loaded
	}
	if c.MaxDelayablePerClient != 0 {
		pf.MaxDelayablePerClient = c.MaxDelayablePerClient
	}
	if c.MaxDelayablePerHost != 0 {
		pf.MaxDelayablePerHost = c.MaxDelayablePerHost
	}
	if c.DelayableThreshold != "" {
		pf.DelayableThreshold = c.DelayableThreshold
	}
	pf.MultiplexedHosts = append(pf.MultiplexedHosts, c.MultiplexedHosts...)

	p, err := pf.Policy()
	if err != nil {
		return scheduler.Policy{}, nil, err
	}
	return p, pf.MultiplexedHosts, nil
}
