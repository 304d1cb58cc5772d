// Package server wires all routine components and creates the MCP server.
//
// This is the composition root: it creates the concrete services, connects
// the aggregator to the bus and the bus to the execution engine, and
// registers the tools, prompts and resources that expose them. No business
// logic lives here, only wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/HendryAvila/routine/internal/aggregator"
	"github.com/HendryAvila/routine/internal/bridge"
	"github.com/HendryAvila/routine/internal/bus"
	"github.com/HendryAvila/routine/internal/config"
	"github.com/HendryAvila/routine/internal/execution"
	"github.com/HendryAvila/routine/internal/metrics"
	"github.com/HendryAvila/routine/internal/prompts"
	"github.com/HendryAvila/routine/internal/providers"
	"github.com/HendryAvila/routine/internal/resources"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/sop"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/HendryAvila/routine/internal/tools"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via ldflags.
var Version = "dev"

var timeNow = time.Now

// reportable lists the dimensions a user can report through ctx_update.
var reportable = []situation.Dimension{
	situation.DimensionLocation,
	situation.DimensionPerson,
	situation.DimensionEvent,
	situation.DimensionDevice,
	situation.DimensionPhysiology,
	situation.DimensionPsychology,
	situation.DimensionTaskQueue,
	situation.DimensionExternal,
}

// Services holds the long-lived routine services.
type Services struct {
	Store      store.Store
	Rules      *rules.RuleSet
	Registry   *sop.Registry
	Engine     *execution.Engine
	Bus        *bus.Bus
	Dispatcher *bridge.Dispatcher
	Aggregator *aggregator.Aggregator
	Reported   tools.ReportedSet

	cfg    config.Config
	logger *zap.Logger
	closer func() error
}

// Build creates and loads every service. The returned cleanup saves the
// context history and releases the engine, dispatcher and store; it is
// always non-nil and safe to call on error.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Services, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &Services{cfg: cfg, logger: logger}

	// --- Persistence ---
	//
	// A store that cannot be opened degrades to memory: everything still
	// works for this session, nothing is kept.

	sqlite, err := store.OpenSQLite(cfg.DataDir)
	if err != nil {
		logger.Warn("persistence disabled, using in-memory store", zap.String("data_dir", cfg.DataDir), zap.Error(err))
		svc.Store = store.NewMemory()
	} else {
		svc.Store = sqlite
		svc.closer = sqlite.Close
	}

	// --- Definitions ---

	svc.Rules = rules.NewRuleSet(svc.Store, logger)
	if err := svc.Rules.Load(ctx); err != nil {
		return nil, svc.close, fmt.Errorf("loading rules: %w", err)
	}
	svc.Registry = sop.NewRegistry(svc.Store, logger)
	if err := svc.Registry.Load(ctx); err != nil {
		return nil, svc.close, fmt.Errorf("loading sops: %w", err)
	}
	if cfg.DefinitionsDir != "" {
		n, err := svc.Registry.LoadDir(ctx, cfg.DefinitionsDir)
		if err != nil {
			return nil, svc.close, fmt.Errorf("loading definitions: %w", err)
		}
		logger.Info("definitions loaded", zap.String("dir", cfg.DefinitionsDir), zap.Int("count", n))
	}

	// --- Execution and dispatch ---

	svc.Engine = execution.New(svc.Registry,
		execution.WithConfig(cfg.Execution),
		execution.WithLogger(logger),
	)
	svc.Bus = bus.New(logger)
	svc.Dispatcher = bridge.NewDispatcher(svc.Rules, bridge.WithLogger(logger))
	svc.Dispatcher.Register(rules.ActionTriggerSOP, bridge.NewSOPTrigger(svc.Engine, logger))
	if err := svc.Bus.Register(svc.Dispatcher); err != nil {
		return nil, svc.close, err
	}

	// --- Aggregation ---

	svc.Aggregator = aggregator.New(svc.Rules, rules.NewMatcher(cfg.Aggregation.MatchThreshold), svc.Bus,
		aggregator.WithInterval(cfg.Aggregation.Interval),
		aggregator.WithHistoryCapacity(cfg.Aggregation.HistoryCapacity),
		aggregator.WithClock(timeNow),
		aggregator.WithLogger(logger),
		aggregator.WithStore(svc.Store),
	)
	if err := svc.registerProviders(); err != nil {
		return nil, svc.close, err
	}
	if err := svc.Aggregator.LoadHistory(ctx); err != nil {
		logger.Warn("context history not restored", zap.Error(err))
	}

	return svc, svc.close, nil
}

// registerProviders adds the clock, the configured static providers and one
// reported provider per reportable dimension. Reported providers start
// disabled; ctx_update enables them on first report.
func (svc *Services) registerProviders() error {
	agg, pc := svc.Aggregator, svc.cfg.Providers

	all := []situation.Provider{providers.NewClock(timeNow, nil)}
	names := make([]string, 0, len(pc.Static))
	for name := range pc.Static {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		sc := pc.Static[name]
		p, err := providers.StaticFromData(name, situation.Dimension(sc.Dimension), sc.Data)
		if err != nil {
			return err
		}
		all = append(all, p.WithRefresh(sc.Refresh))
	}
	for _, p := range all {
		if err := agg.Register(p); err != nil {
			return err
		}
		if len(pc.Enabled) > 0 && !slices.Contains(pc.Enabled, p.Name()) {
			if err := agg.Enable(p.Name(), false); err != nil {
				return err
			}
		}
	}

	svc.Reported = tools.ReportedSet{}
	for _, dim := range reportable {
		r, err := providers.NewReported(dim)
		if err != nil {
			return err
		}
		if err := agg.Register(r); err != nil {
			return err
		}
		if err := agg.Enable(r.Name(), false); err != nil {
			return err
		}
		svc.Reported[dim] = r
	}
	return nil
}

// Run drives the background loops until ctx is done: the aggregation
// ticker, the definitions watcher and the metrics endpoint, each only when
// configured.
func (svc *Services) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if svc.cfg.Aggregation.Enabled {
		g.Go(func() error {
			if err := svc.Aggregator.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if dir := svc.cfg.DefinitionsDir; svc.cfg.WatchDefinitions && dir != "" {
		if _, err := os.Stat(dir); err == nil {
			g.Go(func() error { return svc.Registry.Watch(gctx, dir) })
		}
	}
	if addr := svc.cfg.MetricsAddr; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr, svc.logger) })
	}
	return g.Wait()
}

func (svc *Services) close() {
	ctx := context.Background()
	if svc.Dispatcher != nil {
		svc.Dispatcher.Close()
	}
	if svc.Engine != nil {
		if err := svc.Engine.Close(); err != nil {
			svc.logger.Warn("engine close", zap.Error(err))
		}
	}
	if svc.Aggregator != nil {
		if err := svc.Aggregator.SaveHistory(ctx); err != nil {
			svc.logger.Warn("context history not saved", zap.Error(err))
		}
	}
	if svc.closer != nil {
		if err := svc.closer(); err != nil {
			svc.logger.Warn("store close", zap.Error(err))
		}
	}
}

// New builds the services, starts their background loops and returns the
// MCP server exposing them. The cleanup stops the loops before releasing
// the services and must be called on shutdown (typically via defer).
func New(cfg config.Config, logger *zap.Logger) (*server.MCPServer, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc, closeServices, err := Build(context.Background(), cfg, logger)
	if err != nil {
		closeServices()
		return nil, noop, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil {
			logger.Error("background loop stopped", zap.Error(err))
		}
	}()
	cleanup := func() {
		cancel()
		<-done
		closeServices()
	}

	return NewMCPServer(svc), cleanup, nil
}

// NewMCPServer registers every tool, prompt and resource over svc.
func NewMCPServer(svc *Services) *server.MCPServer {
	s := server.NewMCPServer(
		"routine",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- Context tools ---

	ctxUpdate := tools.NewCtxUpdateTool(svc.Aggregator, svc.Reported)
	s.AddTool(ctxUpdate.Definition(), ctxUpdate.Handle)

	ctxCurrent := tools.NewCtxCurrentTool(svc.Aggregator)
	s.AddTool(ctxCurrent.Definition(), ctxCurrent.Handle)

	ctxProviders := tools.NewCtxProvidersTool(svc.Aggregator)
	s.AddTool(ctxProviders.Definition(), ctxProviders.Handle)

	// --- Rule tools ---

	ruleList := tools.NewRuleListTool(svc.Rules)
	s.AddTool(ruleList.Definition(), ruleList.Handle)

	ruleSave := tools.NewRuleSaveTool(svc.Rules)
	s.AddTool(ruleSave.Definition(), ruleSave.Handle)

	ruleDelete := tools.NewRuleDeleteTool(svc.Rules)
	s.AddTool(ruleDelete.Definition(), ruleDelete.Handle)

	ruleToggle := tools.NewRuleToggleTool(svc.Rules)
	s.AddTool(ruleToggle.Definition(), ruleToggle.Handle)

	// --- SOP tools ---

	sopList := tools.NewSOPListTool(svc.Registry)
	s.AddTool(sopList.Definition(), sopList.Handle)

	sopGet := tools.NewSOPGetTool(svc.Registry)
	s.AddTool(sopGet.Definition(), sopGet.Handle)

	sopSave := tools.NewSOPSaveTool(svc.Registry)
	s.AddTool(sopSave.Definition(), sopSave.Handle)

	sopRemove := tools.NewSOPRemoveTool(svc.Registry)
	s.AddTool(sopRemove.Definition(), sopRemove.Handle)

	sopActivate := tools.NewSOPActivateTool(svc.Registry)
	s.AddTool(sopActivate.Definition(), sopActivate.Handle)

	sopTemplates := tools.NewSOPTemplatesTool(svc.Registry)
	s.AddTool(sopTemplates.Definition(), sopTemplates.Handle)

	sopFromTemplate := tools.NewSOPFromTemplateTool(svc.Registry)
	s.AddTool(sopFromTemplate.Definition(), sopFromTemplate.Handle)

	// --- Execution tools ---

	sopTrigger := tools.NewSOPTriggerTool(svc.Engine, svc.Aggregator)
	s.AddTool(sopTrigger.Definition(), sopTrigger.Handle)

	execStatus := tools.NewExecStatusTool(svc.Engine)
	s.AddTool(execStatus.Definition(), execStatus.Handle)

	execControl := tools.NewExecControlTool(svc.Engine)
	s.AddTool(execControl.Definition(), execControl.Handle)

	execCheck := tools.NewExecCheckTool(svc.Engine)
	s.AddTool(execCheck.Definition(), execCheck.Handle)

	execStep := tools.NewExecStepTool(svc.Engine)
	s.AddTool(execStep.Definition(), execStep.Handle)

	execDecide := tools.NewExecDecideTool(svc.Engine)
	s.AddTool(execDecide.Definition(), execDecide.Handle)

	// --- Prompts ---

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	runPrompt := prompts.NewRunPrompt()
	s.AddPrompt(runPrompt.Definition(), runPrompt.Handle)

	// --- Resources ---

	resourceHandler := resources.NewHandler(svc.Aggregator, svc.Engine)
	s.AddResource(resourceHandler.ContextResource(), resourceHandler.HandleContext)
	s.AddResource(resourceHandler.ExecutionsResource(), resourceHandler.HandleExecutions)

	return s
}

func noop() {}

func serverInstructions() string {
	return `You have access to routine, a context-aware routine and SOP runner.

## What it does
routine keeps a snapshot of the user's situation (time, location, energy,
focus, tasks), evaluates context rules against it, and runs Standard
Operating Procedures (SOPs): checklists, ordered steps and flowcharts.
A matching rule may start an SOP on its own.

## How to use it
1. Call ctx_update when the user tells you something about their situation
   (where they are, how tired they feel, what is on their plate). Report it
   with dimension + data so rules can see it.
2. Use sop_list / sop_templates to find procedures; sop_from_template or
   sop_save to create new ones.
3. Start one with sop_trigger. Walk the user through it:
   - exec_step confirm when a step is done, skip for optional steps
   - exec_check for checklist items
   - exec_decide when a flowchart asks a question
   - exec_control to pause when they are interrupted, resume later
4. exec_status shows progress at any time.

## Rules
Rules fire actions when the context matches: trigger_sop starts an SOP,
the other action types are suggestions for you to relay to the user.
Use rule_list, rule_save, rule_toggle and rule_delete to manage them.`
}
