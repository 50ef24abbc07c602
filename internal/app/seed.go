package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/knowledge"
)

// SeedFile provisions agents and their knowledge bases.
//
//	agents:
//	  - id: dental-front-desk
//	    name: Ava
//	    owner_user_id: u-1
//	    phone_number: "+15550001111"
//	    persona: You are Ava, the front desk assistant at Bright Smiles Dental.
//	    knowledge:
//	      - title: Opening hours
//	        content: Monday to Friday, 8am to 6pm.
type SeedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

type SeedAgent struct {
	ID          string  `yaml:"id"`
	OwnerUserID string  `yaml:"owner_user_id"`
	Name        string  `yaml:"name"`
	Persona     string  `yaml:"persona"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	PhoneNumber string  `yaml:"phone_number"`
	Voice       string  `yaml:"voice"`
	// Inactive agents are stored but cannot take calls.
	Inactive  bool          `yaml:"inactive"`
	Knowledge []SeedSnippet `yaml:"knowledge"`
}

type SeedSnippet struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

type SeedResult struct {
	Agents   int
	Snippets int
}

func ParseSeed(r io.Reader) (SeedFile, error) {
	var f SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return SeedFile{}, fmt.Errorf("app: parse seed: %w", err)
	}
	return f, nil
}

// Seed upserts every agent and snippet. Snippet IDs derive from the agent and
// title, so running the same file twice changes nothing.
func Seed(ctx context.Context, agents calls.AgentWriter, kb knowledge.Repository, f SeedFile) (SeedResult, error) {
	var res SeedResult
	for i, a := range f.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return res, fmt.Errorf("app: seed agent %d: id is required", i)
		}
		agent := calls.Agent{
			ID:          a.ID,
			OwnerUserID: a.OwnerUserID,
			Name:        a.Name,
			Persona:     a.Persona,
			Temperature: a.Temperature,
			MaxTokens:   a.MaxTokens,
			Active:      !a.Inactive,
			PhoneNumber: a.PhoneNumber,
			Voice:       a.Voice,
		}.Snapshot()
		if err := agents.SaveAgent(ctx, agent); err != nil {
			return res, fmt.Errorf("app: seed agent %s: %w", a.ID, err)
		}
		res.Agents++

		for _, k := range a.Knowledge {
			sn, err := knowledge.NewSnippet(a.ID, k.Title, k.Content)
			if err != nil {
				return res, fmt.Errorf("app: seed agent %s snippet %q: %w", a.ID, k.Title, err)
			}
			sn.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(a.ID+"\x00"+sn.Title)).String()
			if err := kb.AddSnippet(ctx, sn); err != nil {
				return res, fmt.Errorf("app: seed agent %s snippet %q: %w", a.ID, k.Title, err)
			}
			res.Snippets++
		}
	}
	return res, nil
}
