package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/crmrules/internal/core/db"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"gopkg.in/yaml.v3"
)

// FieldCatalog resolves field metadata from the object_fields and
// field_enum_values tables.
type FieldCatalog struct {
	db      *sqlx.DB
	queries *db.Queries
}

var _ rules.FieldResolver = (*FieldCatalog)(nil)

// NewFieldCatalog creates a catalog over conn.
func NewFieldCatalog(conn *sqlx.DB, queries *db.Queries) *FieldCatalog {
	return &FieldCatalog{db: conn, queries: queries}
}

// ResolveFieldType implements rules.FieldResolver.
func (c *FieldCatalog) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	var raw string
	err := c.queries.GetContext(ctx, "get-field-type", &raw, object, field)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DataTypeUnknown, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, object, field)
	}
	if err != nil {
		return types.DataTypeUnknown, fmt.Errorf("lookup %s.%s: %w", object, field, err)
	}

	dt, ok := types.ParseDataType(raw)
	if !ok {
		return types.DataTypeUnknown, fmt.Errorf("field %s.%s has unknown data type %q", object, field, raw)
	}
	return dt, nil
}

// ResolveEnumValues implements rules.FieldResolver. Values come back in
// catalog order.
func (c *FieldCatalog) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	var values []types.EnumValue
	if err := c.queries.SelectContext(ctx, "list-enum-values", &values, object, field); err != nil {
		return nil, fmt.Errorf("list values of %s.%s: %w", object, field, err)
	}
	if len(values) == 0 {
		// Distinguish an empty picklist from a missing field
		if _, err := c.ResolveFieldType(ctx, object, field); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// ListObjects returns every scoring object ordered by name.
func (c *FieldCatalog) ListObjects(ctx context.Context) ([]types.ObjectInfo, error) {
	var objects []types.ObjectInfo
	if err := c.queries.SelectContext(ctx, "list-objects", &objects); err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return objects, nil
}

// ListFields returns the fields of object ordered by name.
func (c *FieldCatalog) ListFields(ctx context.Context, object string) ([]types.FieldInfo, error) {
	var fields []types.FieldInfo
	if err := c.queries.SelectContext(ctx, "list-fields", &fields, object); err != nil {
		return nil, fmt.Errorf("list fields of %s: %w", object, err)
	}
	return fields, nil
}

// ObjectDef is one scoring object in an importable catalog file.
type ObjectDef struct {
	Name   string     `yaml:"name"`
	Label  string     `yaml:"label"`
	Fields []FieldDef `yaml:"fields"`
}

// FieldDef is one field of an ObjectDef. Values only apply to picklists.
type FieldDef struct {
	Name   string            `yaml:"name"`
	Label  string            `yaml:"label"`
	Type   string            `yaml:"type"`
	Values []types.EnumValue `yaml:"values"`
}

// DecodeCatalog reads a YAML catalog document:
//
//	objects:
//	  - name: Lead
//	    label: Lead
//	    fields:
//	      - {name: Budget__c, label: Budget, type: CURRENCY}
func DecodeCatalog(r io.Reader) ([]ObjectDef, error) {
	var doc struct {
		Objects []ObjectDef `yaml:"objects"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return doc.Objects, nil
}

// Import upserts objects and their fields in one transaction. Enum values
// of each imported field are replaced. Fields absent from defs are kept.
func (c *FieldCatalog) Import(ctx context.Context, defs []ObjectDef) error {
	var errs types.ValidationErrors
	for i, o := range defs {
		path := fmt.Sprintf("Object %d", i+1)
		if strings.TrimSpace(o.Name) == "" {
			errs.Add(path, "name is required")
		}
		for j, f := range o.Fields {
			fpath := fmt.Sprintf("%s, Field %d", path, j+1)
			if strings.TrimSpace(f.Name) == "" {
				errs.Add(fpath, "name is required")
			}
			dt, ok := types.ParseDataType(f.Type)
			if !ok {
				errs.Add(fpath, "unknown type %q", f.Type)
				continue
			}
			if len(f.Values) > 0 && !dt.IsEnumerable() {
				errs.Add(fpath, "values are only allowed on picklist fields")
			}
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}

	return db.WithTx(ctx, c.db, func(tx *sqlx.Tx) error {
		q := c.queries.In(tx)
		for _, o := range defs {
			label := o.Label
			if label == "" {
				label = o.Name
			}
			if _, err := q.ExecContext(ctx, "upsert-object", o.Name, label); err != nil {
				return fmt.Errorf("save object %s: %w", o.Name, err)
			}

			for _, f := range o.Fields {
				dt, _ := types.ParseDataType(f.Type)
				flabel := f.Label
				if flabel == "" {
					flabel = f.Name
				}
				if _, err := q.ExecContext(ctx, "upsert-field", o.Name, f.Name, flabel, string(dt)); err != nil {
					return fmt.Errorf("save field %s.%s: %w", o.Name, f.Name, err)
				}
				if _, err := q.ExecContext(ctx, "delete-enum-values", o.Name, f.Name); err != nil {
					return fmt.Errorf("clear values of %s.%s: %w", o.Name, f.Name, err)
				}
				for pos, v := range f.Values {
					if _, err := q.ExecContext(ctx, "insert-enum-value", o.Name, f.Name, pos, v.Label, v.Value); err != nil {
						return fmt.Errorf("save value %q of %s.%s: %w", v.Value, o.Name, f.Name, err)
					}
				}
			}
		}
		return nil
	})
}
