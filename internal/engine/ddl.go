package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/canonica-labs/querycache/internal/catalog"
	"github.com/canonica-labs/querycache/internal/errors"
	"github.com/canonica-labs/querycache/internal/resolver"
	"github.com/canonica-labs/querycache/internal/session"
	"github.com/canonica-labs/querycache/internal/sql"
)

// execDDL applies a catalog statement. The target is resolved and checked
// against the current snapshot, mirrored to the backend, and then applied
// to the catalog. A backend failure leaves the catalog untouched.
func (e *Engine) execDDL(ctx context.Context, sess *session.Session, stmt *sql.Statement, res *Result) error {
	res.Destination = session.DestinationCatalog
	res.Message = string(stmt.Kind)

	snap := e.catalog.Snapshot()
	target, noop, err := e.ddlTarget(stmt, sess.SearchPath().Current(), snap)
	if err != nil {
		return err
	}
	if noop {
		e.logger.WithField("statement", stmt.Raw).Debug("DDL is a no-op")
		return nil
	}
	if stmt.Kind != sql.KindCreateSchema && stmt.Kind != sql.KindDropSchema {
		res.Tables = []string{target.String()}
	}

	if e.opts.MirrorDDL {
		if _, err := e.backend.Exec(ctx, renderDDL(stmt, target)); err != nil {
			return err
		}
	}

	m, err := e.applyDDL(ctx, stmt, target)
	if err != nil {
		if e.opts.MirrorDDL {
			e.logger.WithError(err).WithField("statement", stmt.Raw).
				Error("catalog rejected DDL already applied to the backend")
		}
		return err
	}
	if m != nil {
		sess.ObserveVersion(m.Version)
		e.logger.WithFields(logrus.Fields{
			"catalog_version": m.Version,
			"mutation":        m.Kind,
			"schema":          m.Schema,
			"table":           m.Table,
		}).Info("catalog changed")
	}
	return nil
}

// ddlTarget resolves the object a DDL statement names and checks that the
// statement can apply. noop is true for IF [NOT] EXISTS statements that
// have nothing to do.
func (e *Engine) ddlTarget(stmt *sql.Statement, path session.SearchPath, snap *catalog.Snapshot) (target catalog.TableName, noop bool, err error) {
	switch stmt.Kind {
	case sql.KindCreateSchema:
		if snap.HasSchema(stmt.Schema) {
			if stmt.IfNotExists {
				return catalog.TableName{Schema: stmt.Schema}, true, nil
			}
			return target, false, errors.NewSchemaAlreadyExists(stmt.Schema)
		}
		return catalog.TableName{Schema: stmt.Schema}, false, nil

	case sql.KindDropSchema:
		if !snap.HasSchema(stmt.Schema) {
			if stmt.IfExists {
				return catalog.TableName{Schema: stmt.Schema}, true, nil
			}
			return target, false, errors.NewSchemaNotFound(stmt.Schema)
		}
		if tables := snap.Tables(stmt.Schema); len(tables) > 0 && !stmt.Cascade {
			names := make([]string, len(tables))
			for i, t := range tables {
				names[i] = t.FullName()
			}
			return target, false, errors.NewSchemaNotEmpty(stmt.Schema, names)
		}
		return catalog.TableName{Schema: stmt.Schema}, false, nil

	case sql.KindCreateTable:
		target = catalog.TableName{Schema: stmt.Table.Schema, Name: stmt.Table.Name}
		if target.Schema == "" {
			first, ok := path.First()
			if !ok {
				return target, false, errors.NewEmptySearchPath("table " + stmt.Table.Name)
			}
			target.Schema = first
		}
		if !snap.HasSchema(target.Schema) {
			return target, false, errors.NewSchemaNotFound(target.Schema)
		}
		if _, exists := snap.Table(target.Schema, target.Name); exists {
			if stmt.IfNotExists {
				return target, true, nil
			}
			return target, false, errors.NewTableAlreadyExists(target.String())
		}
		return target, false, nil
	}

	// DROP TABLE and ALTER TABLE name an existing table.
	resolved, err := e.resolver.Resolve(
		resolver.Identifier{Schema: stmt.Table.Schema, Name: stmt.Table.Name}, nil, path, snap)
	if err != nil {
		if stmt.Kind == sql.KindDropTable && stmt.IfExists && errors.CodeOf(err) == errors.CodeNotFound {
			return target, true, nil
		}
		return target, false, err
	}
	target = resolved.Table

	if stmt.Kind == sql.KindAlterTable {
		t, _ := snap.Table(target.Schema, target.Name)
		switch stmt.Alter {
		case sql.AlterAddColumn:
			if _, exists := t.Column(stmt.Column.Name); exists {
				return target, false, errors.NewColumnAlreadyExists(target.String(), stmt.Column.Name)
			}
		case sql.AlterDropColumn:
			if _, exists := t.Column(stmt.Column.Name); !exists {
				return target, false, errors.NewColumnNotFound(target.String(), stmt.Column.Name)
			}
		case sql.AlterRename:
			if _, taken := snap.Table(target.Schema, stmt.NewName); taken {
				return target, false, errors.NewTableAlreadyExists(target.Schema + "." + stmt.NewName)
			}
		}
	}
	return target, false, nil
}

func (e *Engine) applyDDL(ctx context.Context, stmt *sql.Statement, target catalog.TableName) (*catalog.Mutation, error) {
	switch stmt.Kind {
	case sql.KindCreateSchema:
		return e.catalog.CreateSchema(ctx, target.Schema, stmt.IfNotExists)
	case sql.KindDropSchema:
		return e.catalog.DropSchema(ctx, target.Schema, stmt.IfExists, stmt.Cascade)
	case sql.KindCreateTable:
		return e.catalog.CreateTable(ctx, target, stmt.Columns, stmt.IfNotExists)
	case sql.KindDropTable:
		return e.catalog.DropTable(ctx, target, stmt.IfExists)
	case sql.KindAlterTable:
		switch stmt.Alter {
		case sql.AlterAddColumn:
			return e.catalog.AddColumn(ctx, target, stmt.Column)
		case sql.AlterDropColumn:
			return e.catalog.DropColumn(ctx, target, stmt.Column.Name)
		case sql.AlterRename:
			return e.catalog.RenameTable(ctx, target, stmt.NewName)
		}
	}
	return nil, fmt.Errorf("engine: %s is not catalog DDL", stmt.Kind)
}

// renderDDL prints stmt with its target fully qualified, for the backend.
func renderDDL(stmt *sql.Statement, target catalog.TableName) string {
	var b strings.Builder
	switch stmt.Kind {
	case sql.KindCreateSchema:
		b.WriteString("CREATE SCHEMA ")
		if stmt.IfNotExists {
			b.WriteString("IF NOT EXISTS ")
		}
		b.WriteString(target.Schema)

	case sql.KindDropSchema:
		b.WriteString("DROP SCHEMA ")
		if stmt.IfExists {
			b.WriteString("IF EXISTS ")
		}
		b.WriteString(target.Schema)
		if stmt.Cascade {
			b.WriteString(" CASCADE")
		}

	case sql.KindCreateTable:
		b.WriteString("CREATE TABLE ")
		if stmt.IfNotExists {
			b.WriteString("IF NOT EXISTS ")
		}
		b.WriteString(target.String())
		b.WriteString(" (")
		for i, col := range stmt.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(columnDDL(col))
		}
		b.WriteString(")")

	case sql.KindDropTable:
		b.WriteString("DROP TABLE ")
		if stmt.IfExists {
			b.WriteString("IF EXISTS ")
		}
		b.WriteString(target.String())

	case sql.KindAlterTable:
		b.WriteString("ALTER TABLE ")
		b.WriteString(target.String())
		switch stmt.Alter {
		case sql.AlterAddColumn:
			b.WriteString(" ADD COLUMN ")
			b.WriteString(columnDDL(stmt.Column))
		case sql.AlterDropColumn:
			b.WriteString(" DROP COLUMN ")
			b.WriteString(stmt.Column.Name)
		case sql.AlterRename:
			b.WriteString(" RENAME TO ")
			b.WriteString(stmt.NewName)
		}
	}
	return b.String()
}

func columnDDL(col catalog.Column) string {
	s := col.Name + " " + col.Type
	if !col.Nullable {
		s += " NOT NULL"
	}
	return s
}
