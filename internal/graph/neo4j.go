// Package graph writes the discovered link graph to Neo4j.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// SessionRunner abstracts neo4j.SessionWithContext.
type SessionRunner interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork, configurers ...func(*neo4j.TransactionConfig)) (any, error)
	Close(ctx context.Context) error
}

// DriverSessioner abstracts neo4j.DriverWithContext.
type DriverSessioner interface {
	NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner
	Close(ctx context.Context) error
}

type txRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

// mergeEdgesCypher upserts both pages and one LINKS_TO relationship per
// (source, target, job). Recrawling a source refreshes the edge properties.
const mergeEdgesCypher = "UNWIND $edges AS e " +
	"MERGE (s:Page {url: e.source}) " +
	"MERGE (t:Page {url: e.target}) " +
	"MERGE (s)-[r:LINKS_TO {job_id: $job_id}]->(t) " +
	"SET r.type = e.type, r.score = e.score, r.anchor = e.anchor"

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
}

// EdgeSink implements crawler.EdgeSink on Neo4j.
type EdgeSink struct {
	driver   DriverSessioner
	database string
	logger   *zap.Logger
}

type neo4jDriver struct {
	driver neo4j.DriverWithContext
}

func (d *neo4jDriver) NewSession(ctx context.Context, config neo4j.SessionConfig) SessionRunner {
	return d.driver.NewSession(ctx, config)
}

func (d *neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

// Dial connects to Neo4j and verifies the connection.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*EdgeSink, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return New(&neo4jDriver{driver: driver}, cfg.Database, logger), nil
}

// New wraps an existing driver.
func New(driver DriverSessioner, database string, logger *zap.Logger) *EdgeSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EdgeSink{driver: driver, database: database, logger: logger}
}

// WriteEdges merges edges for jobID in a single write transaction.
func (s *EdgeSink) WriteEdges(ctx context.Context, jobID string, edges []crawler.LinkEdge) error {
	if len(edges) == 0 {
		return nil
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.database,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			s.logger.Warn("neo4j session close failed", zap.Error(err))
		}
	}()

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, mergeEdges(ctx, tx, jobID, edges)
	})
	if err != nil {
		return fmt.Errorf("write %d edges: %w", len(edges), err)
	}
	return nil
}

func mergeEdges(ctx context.Context, tx txRunner, jobID string, edges []crawler.LinkEdge) error {
	_, err := tx.Run(ctx, mergeEdgesCypher, edgeParams(jobID, edges))
	return err
}

func edgeParams(jobID string, edges []crawler.LinkEdge) map[string]any {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"source": e.SourceURL,
			"target": e.TargetURL,
			"type":   string(e.LinkType),
			"score":  e.Score,
			"anchor": e.AnchorText,
		})
	}
	return map[string]any{"job_id": jobID, "edges": rows}
}

// Close releases the driver.
func (s *EdgeSink) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

var _ crawler.EdgeSink = (*EdgeSink)(nil)
