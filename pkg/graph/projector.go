package graph

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var labels = map[models.EntityType]string{
	models.EntityTypeCompany:  "Company",
	models.EntityTypeInvestor: "Investor",
	models.EntityTypePerson:   "Person",
}

// Projector mirrors identity lineage into the graph: entities, ALIAS_OF edges from alias
// nodes, MERGED_INTO edges from tombstones and SPLIT_FROM edges from split-off entities.
type Projector struct {
	client *Client
	logger ectologger.Logger
}

var _ events.Sink = (*Projector)(nil)

func NewProjector(client *Client, logger ectologger.Logger) *Projector {
	return &Projector{client: client, logger: logger}
}

func (p *Projector) Name() string { return "graph" }

func (p *Projector) Emit(ctx context.Context, event events.Event) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.Emit")
	defer span.End()

	stmts := statements(event)
	if len(stmts) == 0 {
		return nil
	}
	if err := p.client.Apply(ctx, stmts); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.Type,
		"entity_id":  event.EntityID,
		"statements": len(stmts),
	}).Debug("Projected event to graph")
	return nil
}

func statements(event events.Event) []Statement {
	var out []Statement
	if event.Entity != nil {
		out = append(out, upsertEntity(*event.Entity))
	}

	switch event.Type {
	case events.AliasAttached, events.AliasQueued, events.AliasAdded:
		if event.Alias != nil {
			out = append(out, Statement{
				Cypher: `
					MATCH (e:Entity {id: $entity_id})
					MERGE (a:Alias {id: $alias_id})
					SET a.name = $name, a.normalized = $normalized, a.status = $status, a.manual = $manual
					MERGE (a)-[r:ALIAS_OF]->(e)
					SET r.confidence = $confidence`,
				Params: map[string]any{
					"entity_id":  event.EntityID,
					"alias_id":   event.Alias.ID,
					"name":       event.Alias.AliasName,
					"normalized": event.Alias.NormalizedAlias,
					"status":     string(event.Alias.Status),
					"manual":     event.Alias.IsManualOverride,
					"confidence": event.Alias.MatchConfidence,
				},
			})
		}
	case events.EntityMerged:
		out = append(out, Statement{
			Cypher: `
				MATCH (s:Entity {id: $source_id}), (t:Entity {id: $target_id})
				SET s.status = 'tombstoned'
				WITH s, t
				OPTIONAL MATCH (a:Alias)-[old:ALIAS_OF]->(s)
				DELETE old
				WITH s, t, collect(a) AS moved
				FOREACH (a IN moved | MERGE (a)-[:ALIAS_OF]->(t))
				MERGE (s)-[m:MERGED_INTO {history_id: $history_id}]->(t)`,
			Params: map[string]any{
				"source_id":  event.RelatedEntityID,
				"target_id":  event.EntityID,
				"history_id": event.HistoryID,
			},
		})
	case events.EntitySplit:
		out = append(out, Statement{
			Cypher: `
				MATCH (n:Entity {id: $new_id}), (o:Entity {id: $origin_id})
				MERGE (n)-[:SPLIT_FROM {history_id: $history_id}]->(o)`,
			Params: map[string]any{
				"new_id":     event.EntityID,
				"origin_id":  event.RelatedEntityID,
				"history_id": event.HistoryID,
			},
		})
	case events.HistoryRolledBack:
		out = append(out, Statement{
			Cypher: `
				MATCH ()-[r {history_id: $rolled_back}]->()
				SET r.rolled_back = true`,
			Params: map[string]any{"rolled_back": event.HistoryID},
		})
	}
	return out
}

func upsertEntity(e models.CanonicalEntity) Statement {
	label, ok := labels[e.EntityType]
	if !ok {
		label = "Entity"
	}
	return Statement{
		Cypher: `
			MERGE (e:Entity {id: $id})
			SET e:` + label + `, e.name = $name, e.normalized = $normalized, e.entity_type = $entity_type,
			    e.status = $status, e.version = $version`,
		Params: map[string]any{
			"id":          e.ID,
			"name":        e.CanonicalName,
			"normalized":  e.NormalizedName,
			"entity_type": string(e.EntityType),
			"status":      string(e.Status),
			"version":     e.Version,
		},
	}
}
