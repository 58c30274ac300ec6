/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package processor implements processors (ordered chains of matcher/mailet
// steps) and the spool manager that runs mail from the spool through them.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/imyousuf/james-sub036/framework/address"
	"github.com/imyousuf/james-sub036/framework/config"
	"github.com/imyousuf/james-sub036/framework/log"
	"github.com/imyousuf/james-sub036/framework/mail"
	"github.com/imyousuf/james-sub036/framework/module"
)

// dontRecover controls the behavior of panic handlers, if it is set to true -
// they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

type step struct {
	matcherName string
	condition   string
	matcher     module.Matcher

	mailetName string
	mailet     module.Mailet
}

func (s step) String() string {
	if s.condition != "" {
		return s.matcherName + "=" + s.condition + " -> " + s.mailetName
	}
	return s.matcherName + " -> " + s.mailetName
}

// Processor is a named chain of steps. It is immutable after Load.
type Processor struct {
	name  string
	state mail.State
	steps []step
	log   log.Logger
}

func (p *Processor) Name() string {
	return p.name
}

// Set is the collection of configured processors.
type Set struct {
	procs map[string]*Processor
	log   log.Logger
}

// defaultErrorProcessor is used if the configuration has no "error"
// processor.
var defaultErrorProcessor = config.Processor{
	Name: mail.ErrorName,
	Steps: []config.Step{
		{Match: "all", Mailet: "log", Config: map[string]interface{}{"message": "mail failed"}},
		{Match: "all", Mailet: "bounce"},
	},
}

// Load creates matcher and mailet instances for all steps of cfgs. Mailets
// and matchers implementing module.LifetimeModule are added to
// mctx.Lifetime().
func Load(mctx module.Context, cfgs []config.Processor, globals map[string]interface{}) (*Set, error) {
	set := &Set{
		procs: make(map[string]*Processor, len(cfgs)+1),
		log:   mctx.Logger().Sublogger("processor"),
	}

	hasError := false
	for _, cfg := range cfgs {
		if cfg.Name == mail.GhostName {
			return nil, fmt.Errorf("processor: %s is a reserved name", cfg.Name)
		}
		if cfg.Name == mail.ErrorName {
			hasError = true
		}
	}
	if !hasError {
		cfgs = append(cfgs, defaultErrorProcessor)
	}

	for _, cfg := range cfgs {
		if _, ok := set.procs[cfg.Name]; ok {
			return nil, fmt.Errorf("processor: duplicate processor: %s", cfg.Name)
		}
		proc, err := loadProcessor(mctx, cfg, globals, set.log)
		if err != nil {
			return nil, err
		}
		set.procs[cfg.Name] = proc
	}
	return set, nil
}

func loadProcessor(mctx module.Context, cfg config.Processor, globals map[string]interface{}, l log.Logger) (*Processor, error) {
	p := &Processor{
		name:  cfg.Name,
		state: mail.Processor(cfg.Name),
		log:   l.Sublogger(cfg.Name),
	}

	for i, stepCfg := range cfg.Steps {
		where := fmt.Sprintf("processor %s, step %d", cfg.Name, i+1)

		s := step{mailetName: stepCfg.Mailet}
		s.matcherName, s.condition = config.SplitMatch(stepCfg.Match)
		if s.matcherName == "" {
			s.matcherName = "all"
		}

		newMatcher := module.GetMatcher(s.matcherName)
		if newMatcher == nil {
			return nil, fmt.Errorf("%s: unknown matcher: %s", where, s.matcherName)
		}
		s.matcher = newMatcher()
		if err := s.matcher.Init(mctx, s.condition); err != nil {
			return nil, fmt.Errorf("%s: matcher %s: %w", where, s.matcherName, err)
		}

		newMailet := module.GetMailet(s.mailetName)
		if newMailet == nil {
			return nil, fmt.Errorf("%s: unknown mailet: %s", where, s.mailetName)
		}
		block, err := config.NewBlock(stepCfg.Config)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		s.mailet = newMailet()
		if err := s.mailet.Init(mctx, config.NewMap(globals, where, block)); err != nil {
			return nil, fmt.Errorf("%s: mailet %s: %w", where, s.mailetName, err)
		}

		if lm, ok := s.matcher.(module.LifetimeModule); ok {
			mctx.Lifetime().Add(where+" "+s.matcherName, lm)
		}
		if lm, ok := s.mailet.(module.LifetimeModule); ok {
			mctx.Lifetime().Add(where+" "+s.mailetName, lm)
		}

		p.steps = append(p.steps, s)
	}

	return p, nil
}

// Names returns the sorted names of all processors including "error".
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Exists(name string) bool {
	_, ok := s.procs[name]
	return ok
}

func (s *Set) Get(name string) *Processor {
	return s.procs[name]
}

// Dispatch runs m through the processor named by its state once.
//
// The returned slice contains m and all mail split off it during the run,
// each in the state it ended up in. Mail in the Ghost state is returned as
// is. Mail in a state naming an unknown processor is moved to the error
// processor.
//
// A fault inside the error processor aborts the dispatch. The error is
// returned and the results must be discarded, the stored copy of m is left
// for a later attempt.
func (s *Set) Dispatch(ctx context.Context, m *mail.Mail) ([]*mail.Mail, error) {
	if m.State.IsGhost() {
		return []*mail.Mail{m}, nil
	}
	if !m.State.Valid() {
		m.State = mail.Error
		m.ErrorMessage = "mail has no state"
	}

	name := m.State.ProcessorName()
	proc, ok := s.procs[name]
	if !ok {
		MailLogger(s.log, m).Msg("unknown processor, moving to error", "processor", name)
		m.ErrorMessage = fmt.Sprintf("unknown processor: %s", name)
		m.State = mail.Error
		proc = s.procs[mail.ErrorName]
	}

	dispatched.WithLabelValues(proc.name).Inc()
	return proc.Service(ctx, m)
}

// Service runs m through the processor steps. Mail in any other state is
// returned unchanged.
func (p *Processor) Service(ctx context.Context, m *mail.Mail) ([]*mail.Mail, error) {
	if m.State != p.state {
		return []*mail.Mail{m}, nil
	}
	return p.run(ctx, m, 0)
}

func (p *Processor) run(ctx context.Context, m *mail.Mail, from int) ([]*mail.Mail, error) {
	var out []*mail.Mail
	mlog := MailLogger(p.log, m)

	for i := from; i < len(p.steps); i++ {
		s := p.steps[i]

		matched, err := p.match(ctx, s, m)
		if err != nil {
			mlog.Error("matcher failed", err, "step", s.String())
			if err := p.fail(m, fmt.Errorf("matcher %s: %w", s.matcherName, err)); err != nil {
				return nil, err
			}
			return append(out, m), nil
		}
		if len(matched) == 0 {
			continue
		}

		target := m
		if len(matched) < len(m.Recipients) {
			target = m.Split(matched)
			mlog.DebugMsg("split", "step", s.String(), "split_id", target.ID, "rcpts", matched)
		}

		if err := p.service(ctx, s, target); err != nil {
			MailLogger(p.log, target).Error("mailet failed", err, "step", s.String())
			if err := p.fail(target, fmt.Errorf("mailet %s: %w", s.mailetName, err)); err != nil {
				return nil, err
			}
		} else if len(target.Recipients) == 0 && !target.State.IsGhost() {
			target.State = mail.Ghost
		}

		if target != m {
			if target.State == p.state {
				// The split part continues down the chain on its own.
				res, err := p.run(ctx, target, i+1)
				if err != nil {
					return nil, err
				}
				out = append(out, res...)
			} else {
				out = append(out, target)
			}
			continue
		}

		if m.State != p.state {
			mlog.DebugMsg("state changed", "step", s.String(), "state", m.State.String())
			return append(out, m), nil
		}
	}

	if p.state.IsError() {
		mlog.Error("mail dropped", errors.New("no further progress in the error processor"))
		m.State = mail.Ghost
		return append(out, m), nil
	}

	m.ErrorMessage = fmt.Sprintf("no further progress in processor %s", p.name)
	m.State = mail.Error
	return append(out, m), nil
}

// fail moves m to the error processor. Inside the error processor itself
// there is nowhere to go, the fault is returned to abort the dispatch.
func (p *Processor) fail(m *mail.Mail, err error) error {
	stepErrors.WithLabelValues(p.name).Inc()
	if p.state.IsError() {
		return fmt.Errorf("processor %s: %w", p.name, err)
	}
	m.ErrorMessage = err.Error()
	m.State = mail.Error
	return nil
}

func (p *Processor) match(ctx context.Context, s step, m *mail.Mail) (matched []string, err error) {
	if !dontRecover {
		defer func() {
			if r := recover(); r != nil {
				p.log.Printf("panic during match: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
	}

	res, err := s.matcher.Match(ctx, m)
	if err != nil {
		return nil, err
	}

	// Drop duplicates and whatever the matcher returned that is not a
	// current recipient.
	seen := make(map[string]struct{}, len(res))
	matched = make([]string, 0, len(res))
	for _, rcpt := range res {
		key, _ := address.ForLookup(rcpt)
		if _, ok := seen[key]; ok || !m.HasRecipient(rcpt) {
			continue
		}
		seen[key] = struct{}{}
		matched = append(matched, rcpt)
	}
	return matched, nil
}

func (p *Processor) service(ctx context.Context, s step, m *mail.Mail) (err error) {
	if !dontRecover {
		defer func() {
			if r := recover(); r != nil {
				p.log.Printf("panic during mailet service: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
	}
	return s.mailet.Service(ctx, m)
}
