package store_test

import (
	"errors"
	"sync"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"homewatch/models"
	"homewatch/store"
)

type fakePersistence struct {
	lock    sync.Mutex
	saved   []*store.Snapshot
	saveErr error
	loaded  *store.Snapshot
	loadErr error
}

func (p *fakePersistence) Save(snapshot *store.Snapshot) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved = append(p.saved, snapshot)
	return nil
}

func (p *fakePersistence) Load() (*store.Snapshot, error) {
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	if p.loaded == nil {
		return &store.Snapshot{}, nil
	}
	return p.loaded, nil
}

func (p *fakePersistence) lastSaved() *store.Snapshot {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.saved) == 0 {
		return nil
	}
	return p.saved[len(p.saved)-1]
}

var _ = Describe("RuleStore", func() {
	var (
		logger      *lagertest.TestLogger
		fclock      *fakeclock.FakeClock
		persistence *fakePersistence
		ruleStore   *store.RuleStore
		err         error
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("rulestore")
		fclock = fakeclock.NewFakeClock(time.Unix(1700000000, 0))
		persistence = &fakePersistence{}
	})

	JustBeforeEach(func() {
		ruleStore, err = store.NewRuleStore(logger, fclock, persistence)
	})

	Describe("NewRuleStore", func() {
		Context("with an empty persistence", func() {
			It("starts with no rules", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(ruleStore.RulesForScope("den")).To(BeEmpty())
			})
		})

		Context("when loading fails", func() {
			BeforeEach(func() {
				persistence.loadErr = errors.New("disk on fire")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("disk on fire")))
			})
		})

		Context("with a persisted snapshot", func() {
			var activeSince, triggeredAt time.Time

			BeforeEach(func() {
				activeSince = time.Unix(1690000000, 0)
				triggeredAt = time.Unix(1690000600, 0)
				persistence.loaded = &store.Snapshot{
					Rules: []*models.AlertRule{
						{
							ID: "r1", Scope: "den", Metric: models.MetricDiskUsed,
							Operator: models.OperatorGreater, Threshold: models.NumberThreshold(90),
							DurationSeconds: 600, Enabled: true,
						},
						{
							ID: "r2", Scope: "den", Metric: "no_such_metric",
							Operator: models.OperatorGreater, Threshold: models.NumberThreshold(1),
							Enabled: true,
						},
					},
					RuntimeStates: map[string]*models.AlertRuntimeState{
						"r1":      {ActiveSince: &activeSince, LastTriggeredAt: &triggeredAt, LastValue: "95% (/srv)"},
						"r-ghost": {LastValue: "stale"},
						"r2":      {},
					},
					EnabledScopes: []string{"den"},
				}
			})

			It("keeps valid rules and their timestamps", func() {
				Expect(err).NotTo(HaveOccurred())
				state, found := ruleStore.RuntimeState("r1")
				Expect(found).To(BeTrue())
				Expect(state.LastTriggeredAt).To(Equal(&triggeredAt))
				Expect(state.LastValue).To(Equal("95% (/srv)"))
				Expect(ruleStore.AlertingEnabledFor("den")).To(BeTrue())
			})

			It("restarts interrupted hysteresis windows", func() {
				state, _ := ruleStore.RuntimeState("r1")
				Expect(state.ActiveSince).To(BeNil())
			})

			It("drops rules that no longer validate", func() {
				_, found := ruleStore.GetRule("r2")
				Expect(found).To(BeFalse())
				Eventually(logger.Buffer).Should(gbytes.Say("dropping-invalid-persisted-rule"))
			})

			It("drops states whose rule is gone", func() {
				_, found := ruleStore.RuntimeState("r-ghost")
				Expect(found).To(BeFalse())
			})
		})
	})

	Describe("AddRule", func() {
		It("stores a validated rule with a fresh id and empty state", func() {
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 5*time.Minute)
			Expect(addErr).NotTo(HaveOccurred())
			Expect(rule.ID).NotTo(BeEmpty())
			Expect(rule.Metric).To(Equal(models.MetricDiskUsed))
			Expect(rule.DurationSeconds).To(Equal(300))
			Expect(rule.Enabled).To(BeTrue())

			state, found := ruleStore.RuntimeState(rule.ID)
			Expect(found).To(BeTrue())
			Expect(state).To(Equal(models.AlertRuntimeState{}))
		})

		It("falls back to the metric default duration", func() {
			rule, addErr := ruleStore.AddRule("den", models.MetricLoad, models.OperatorGreater, models.NumberThreshold(2.5), -1)
			Expect(addErr).NotTo(HaveOccurred())
			Expect(rule.DurationSeconds).To(Equal(300))
		})

		It("rejects unknown metrics", func() {
			_, addErr := ruleStore.AddRule("den", "no_such_metric", models.OperatorGreater, models.NumberThreshold(1), 0)
			Expect(addErr).To(MatchError(ContainSubstring("unknown metric")))
		})

		It("rejects operator and threshold mismatches", func() {
			_, addErr := ruleStore.AddRule("den", models.MetricLanUp, models.OperatorGreater, models.BoolThreshold(false), 0)
			Expect(addErr).To(HaveOccurred())
		})

		It("persists the new rule", func() {
			rule, _ := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			saved := persistence.lastSaved()
			Expect(saved).NotTo(BeNil())
			Expect(saved.Rules).To(HaveLen(1))
			Expect(saved.Rules[0].ID).To(Equal(rule.ID))
		})
	})

	Describe("UpdateRule", func() {
		var ruleID string

		JustBeforeEach(func() {
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			ruleID = rule.ID
		})

		It("replaces the definition and resets the runtime state", func() {
			ruleStore.SetAlertingEnabled("den", true)
			now := fclock.Now()
			Expect(ruleStore.SetRuntimeState(ruleID, models.AlertRuntimeState{LastTriggeredAt: &now, LastValue: "95% (/srv)"})).To(BeTrue())

			updated, updateErr := ruleStore.UpdateRule("den", ruleID, "disk", models.OperatorGreaterEqual, models.NumberThreshold(70), 2*time.Minute)
			Expect(updateErr).NotTo(HaveOccurred())
			Expect(updated.Operator).To(Equal(models.OperatorGreaterEqual))
			Expect(updated.DurationSeconds).To(Equal(120))

			state, _ := ruleStore.RuntimeState(ruleID)
			Expect(state).To(Equal(models.AlertRuntimeState{}))
		})

		It("refuses to touch a rule from another scope", func() {
			_, updateErr := ruleStore.UpdateRule("attic", ruleID, "disk", models.OperatorGreater, models.NumberThreshold(70), 0)
			Expect(updateErr).To(Equal(store.ErrRuleNotFound))
		})
	})

	Describe("RemoveRule", func() {
		var ruleID string

		JustBeforeEach(func() {
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			ruleID = rule.ID
		})

		It("removes the rule and its state", func() {
			Expect(ruleStore.RemoveRule("den", ruleID)).To(Succeed())
			_, found := ruleStore.GetRule(ruleID)
			Expect(found).To(BeFalse())
			_, found = ruleStore.RuntimeState(ruleID)
			Expect(found).To(BeFalse())
		})

		It("treats a scope mismatch as not found", func() {
			Expect(ruleStore.RemoveRule("attic", ruleID)).To(Equal(store.ErrRuleNotFound))
			_, found := ruleStore.GetRule(ruleID)
			Expect(found).To(BeTrue())
		})

		It("reports unknown ids", func() {
			Expect(ruleStore.RemoveRule("den", "nope")).To(Equal(store.ErrRuleNotFound))
		})
	})

	Describe("ToggleRule", func() {
		var ruleID string

		JustBeforeEach(func() {
			ruleStore.SetAlertingEnabled("den", true)
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			ruleID = rule.ID
		})

		It("flips the enabled flag", func() {
			enabled, toggleErr := ruleStore.ToggleRule("den", ruleID)
			Expect(toggleErr).NotTo(HaveOccurred())
			Expect(enabled).To(BeFalse())

			enabled, toggleErr = ruleStore.ToggleRule("den", ruleID)
			Expect(toggleErr).NotTo(HaveOccurred())
			Expect(enabled).To(BeTrue())
		})

		It("silently clears an active rule on disable", func() {
			now := fclock.Now()
			Expect(ruleStore.SetRuntimeState(ruleID, models.AlertRuntimeState{
				ActiveSince:     &now,
				LastTriggeredAt: &now,
			})).To(BeTrue())

			fclock.Increment(time.Minute)
			_, toggleErr := ruleStore.ToggleRule("den", ruleID)
			Expect(toggleErr).NotTo(HaveOccurred())

			state, _ := ruleStore.RuntimeState(ruleID)
			Expect(state.ActiveSince).To(BeNil())
			Expect(state.LastClearedAt).NotTo(BeNil())
			Expect(state.CurrentlyActive()).To(BeFalse())
		})
	})

	Describe("SetAlertingEnabled", func() {
		var ruleID string

		JustBeforeEach(func() {
			ruleStore.SetAlertingEnabled("den", true)
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			ruleID = rule.ID
		})

		It("silently clears the scope's active rules when turned off", func() {
			now := fclock.Now()
			Expect(ruleStore.SetRuntimeState(ruleID, models.AlertRuntimeState{
				ActiveSince:     &now,
				LastTriggeredAt: &now,
			})).To(BeTrue())

			fclock.Increment(time.Minute)
			ruleStore.SetAlertingEnabled("den", false)

			Expect(ruleStore.AlertingEnabledFor("den")).To(BeFalse())
			state, _ := ruleStore.RuntimeState(ruleID)
			Expect(state.ActiveSince).To(BeNil())
			Expect(state.CurrentlyActive()).To(BeFalse())
		})
	})

	Describe("EvaluableRules", func() {
		JustBeforeEach(func() {
			ruleStore.SetAlertingEnabled("den", true)
			_, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			_, addErr = ruleStore.AddRule("attic", "load", models.OperatorGreater, models.NumberThreshold(2), 0)
			Expect(addErr).NotTo(HaveOccurred())
		})

		It("returns only enabled rules in scopes with alerting on", func() {
			snapshots := ruleStore.EvaluableRules()
			Expect(snapshots).To(HaveLen(1))
			Expect(snapshots[0].Rule.Scope).To(Equal("den"))
		})

		It("drops disabled rules", func() {
			rules := ruleStore.RulesForScope("den")
			_, toggleErr := ruleStore.ToggleRule("den", rules[0].ID)
			Expect(toggleErr).NotTo(HaveOccurred())
			Expect(ruleStore.EvaluableRules()).To(BeEmpty())
		})
	})

	Describe("SetRuntimeState", func() {
		var ruleID string

		JustBeforeEach(func() {
			ruleStore.SetAlertingEnabled("den", true)
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())
			ruleID = rule.ID
		})

		It("drops the write when the rule was removed mid-pass", func() {
			Expect(ruleStore.RemoveRule("den", ruleID)).To(Succeed())
			Expect(ruleStore.SetRuntimeState(ruleID, models.AlertRuntimeState{LastValue: "95%"})).To(BeFalse())
			_, found := ruleStore.RuntimeState(ruleID)
			Expect(found).To(BeFalse())
		})

		It("drops the write when the rule was disabled mid-pass", func() {
			_, toggleErr := ruleStore.ToggleRule("den", ruleID)
			Expect(toggleErr).NotTo(HaveOccurred())
			Expect(ruleStore.SetRuntimeState(ruleID, models.AlertRuntimeState{LastValue: "95%"})).To(BeFalse())
			state, _ := ruleStore.RuntimeState(ruleID)
			Expect(state.LastValue).To(BeEmpty())
		})
	})

	Describe("persistence failures", func() {
		It("keeps the in-memory mutation and logs the miss", func() {
			persistence.saveErr = errors.New("disk full")
			rule, addErr := ruleStore.AddRule("den", "disk", models.OperatorGreater, models.NumberThreshold(85), 0)
			Expect(addErr).NotTo(HaveOccurred())

			_, found := ruleStore.GetRule(rule.ID)
			Expect(found).To(BeTrue())
			Eventually(logger.Buffer).Should(gbytes.Say("persist-failed"))
		})
	})

	Describe("SeedDefaultRules", func() {
		It("creates the default rule set for the scope", func() {
			created, seedErr := ruleStore.SeedDefaultRules("den")
			Expect(seedErr).NotTo(HaveOccurred())
			Expect(created).To(HaveLen(len(store.DefaultRuleSpecs)))
			Expect(ruleStore.RulesForScope("den")).To(HaveLen(len(store.DefaultRuleSpecs)))
		})
	})
})
