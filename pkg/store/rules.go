package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"contain/pkg/domains"
	"contain/pkg/models"
)

// DB is the pgx surface the rule store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var ErrNotFound = errors.New("not found")

// Container is a stored identity container.
type Container struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Subdomains models.SubdomainPolicy `json:"subdomains,omitempty"`
	Ephemeral  bool                   `json:"ephemeral"`
}

// Settings keys.
const (
	settingGlobalSubdomains = "global_subdomains"
	settingStripWWW         = "strip_www"
)

// RuleStore persists containers, domain rules, exclusions and blends, and
// assembles the policy snapshot the decision core consumes. All domains are
// canonicalized on write so lookups compare equal bytes.
type RuleStore struct {
	DB DB
}

func (s *RuleStore) UpsertContainer(ctx context.Context, c Container) error {
	id := strings.TrimSpace(c.ID)
	if id == "" {
		return fmt.Errorf("container id required")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO containers (id, name, subdomain_policy, ephemeral)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, subdomain_policy=EXCLUDED.subdomain_policy, ephemeral=EXCLUDED.ephemeral
	`, id, strings.TrimSpace(c.Name), string(c.Subdomains), c.Ephemeral)
	return err
}

func (s *RuleStore) DeleteContainer(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM containers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RuleStore) ListContainers(ctx context.Context) ([]Container, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, subdomain_policy, ephemeral
		FROM containers ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Container
	for rows.Next() {
		var c Container
		var policy string
		if err := rows.Scan(&c.ID, &c.Name, &policy, &c.Ephemeral); err != nil {
			return nil, err
		}
		c.Subdomains = models.ParseSubdomainPolicy(policy)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *RuleStore) UpsertRule(ctx context.Context, rule models.DomainRule) error {
	domain := domains.Normalize(rule.Domain)
	if domain == "" {
		return fmt.Errorf("rule domain required")
	}
	if strings.TrimSpace(rule.ContainerID) == "" {
		return fmt.Errorf("rule container id required")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO rules (domain, container_id, subdomain_policy)
		VALUES ($1,$2,$3)
		ON CONFLICT (domain) DO UPDATE
		SET container_id=EXCLUDED.container_id, subdomain_policy=EXCLUDED.subdomain_policy
	`, domain, rule.ContainerID, string(rule.Subdomains))
	return err
}

func (s *RuleStore) DeleteRule(ctx context.Context, domain string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM rules WHERE domain=$1`, domains.Normalize(domain))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RuleStore) ListRules(ctx context.Context) ([]models.DomainRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT r.domain, r.container_id, COALESCE(c.name, ''), r.subdomain_policy
		FROM rules r LEFT JOIN containers c ON c.id = r.container_id
		ORDER BY r.domain
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DomainRule
	for rows.Next() {
		var rule models.DomainRule
		var policy string
		if err := rows.Scan(&rule.Domain, &rule.ContainerID, &rule.ContainerName, &policy); err != nil {
			return nil, err
		}
		rule.Subdomains = models.ParseSubdomainPolicy(policy)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *RuleStore) AddExclusion(ctx context.Context, containerID, domain string) error {
	return s.addPair(ctx, "exclusions", containerID, domain)
}

func (s *RuleStore) RemoveExclusion(ctx context.Context, containerID, domain string) error {
	return s.removePair(ctx, "exclusions", containerID, domain)
}

func (s *RuleStore) AddBlend(ctx context.Context, containerID, domain string) error {
	return s.addPair(ctx, "blends", containerID, domain)
}

func (s *RuleStore) RemoveBlend(ctx context.Context, containerID, domain string) error {
	return s.removePair(ctx, "blends", containerID, domain)
}

func (s *RuleStore) addPair(ctx context.Context, table, containerID, domain string) error {
	domain = domains.Normalize(domain)
	if strings.TrimSpace(containerID) == "" || domain == "" {
		return fmt.Errorf("container id and domain required")
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO `+table+` (container_id, domain) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, containerID, domain)
	return err
}

func (s *RuleStore) removePair(ctx context.Context, table, containerID, domain string) error {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM `+table+` WHERE container_id=$1 AND domain=$2
	`, containerID, domains.Normalize(domain))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RuleStore) SetGlobalSubdomains(ctx context.Context, policy models.SubdomainPolicy) error {
	return s.setSetting(ctx, settingGlobalSubdomains, string(policy))
}

func (s *RuleStore) SetStripWWW(ctx context.Context, strip bool) error {
	return s.setSetting(ctx, settingStripWWW, strconv.FormatBool(strip))
}

func (s *RuleStore) setSetting(ctx context.Context, key, value string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	return err
}

// LoadPolicyState reads every policy table into one snapshot.
func (s *RuleStore) LoadPolicyState(ctx context.Context) (*models.PolicyState, error) {
	state := &models.PolicyState{
		ContainerSubdomains: map[string]models.SubdomainPolicy{},
		Exclusions:          map[string]map[string]struct{}{},
		Blends:              map[string]map[string]struct{}{},
		Ephemeral:           map[string]struct{}{},
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	state.Rules = rules

	containers, err := s.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load containers: %w", err)
	}
	for _, c := range containers {
		if c.Subdomains != models.SubdomainInherit {
			state.ContainerSubdomains[c.ID] = c.Subdomains
		}
		if c.Ephemeral {
			state.Ephemeral[c.ID] = struct{}{}
		}
	}

	if err := s.loadPairs(ctx, "exclusions", state.Exclusions); err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}
	if err := s.loadPairs(ctx, "blends", state.Blends); err != nil {
		return nil, fmt.Errorf("load blends: %w", err)
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	state.GlobalSubdomains = models.ParseSubdomainPolicy(settings[settingGlobalSubdomains])
	// Stripping is on unless explicitly disabled; a missing row must not
	// change how domains are folded.
	state.StripWWW = !strings.EqualFold(strings.TrimSpace(settings[settingStripWWW]), "false")
	return state, nil
}

func (s *RuleStore) loadPairs(ctx context.Context, table string, into map[string]map[string]struct{}) error {
	rows, err := s.DB.Query(ctx, `SELECT container_id, domain FROM `+table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var containerID, domain string
		if err := rows.Scan(&containerID, &domain); err != nil {
			return err
		}
		set, ok := into[containerID]
		if !ok {
			set = map[string]struct{}{}
			into[containerID] = set
		}
		set[domain] = struct{}{}
	}
	return rows.Err()
}

func (s *RuleStore) loadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
