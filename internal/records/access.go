package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/db"
)

// CheckTableLevelAccess applies the two-slot ACL bitmask gate.
func (a *API) CheckTableLevelAccess(p Permission, user *auth.User) error {
	if !a.acl.Allows(p, user) {
		return ErrForbidden
	}
	return nil
}

// accessParams assembles the bind set for the permission's access query.
// For create/update the request values are overlaid onto the all-columns
// template so every placeholder the query may reference exists; for all
// permissions the acting user and target record id are appended.
func (a *API) accessParams(p Permission, recordID any, req *LazyParams, user *auth.User) (db.NamedParams, error) {
	var params db.NamedParams

	switch p {
	case PermissionCreate, PermissionUpdate:
		if !a.isTable {
			return nil, ErrRequiresTable
		}
		parsed, err := req.Params()
		if err != nil {
			return nil, err
		}

		params = a.paramsTemplate.Clone()
		for i, colIdx := range parsed.ColumnIndexes {
			params[colIdx].Value = parsed.NamedParams[i].Value
		}

		fields, err := json.Marshal(parsed.ColumnNames)
		if err != nil {
			return nil, Internal("failed to encode field names", err)
		}
		params = params.Append(":__fields", string(fields))

	default:
		params = make(db.NamedParams, 0, 2)
	}

	if user != nil {
		params = params.Append(":__user_id", user.IDBytes())
	} else {
		params = params.Append(":__user_id", nil)
	}
	params = params.Append(":__record_id", recordID)

	return params, nil
}

// runAccessQuery executes a pre-rendered access query and interprets the
// single INTEGER cell. Errors, no rows and zero all deny.
func runAccessQuery(ctx context.Context, q db.Queryer, query string, params db.NamedParams) error {
	var allowed int64
	err := q.QueryRowContext(ctx, query, params.Args()...).Scan(&allowed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrForbidden
		}
		// A failing rule (bad reference, type error) denies rather than
		// leaking an internal error to the caller.
		return &Error{Kind: KindForbidden, Msg: "forbidden", Err: err}
	}
	if allowed != 1 {
		return ErrForbidden
	}
	return nil
}

// CheckRecordAccess runs the full check on the reader pool. Suitable for
// read/schema admission and for subscription setup; mutations use
// DeferredAccessCheck to stay on the writer thread.
func (a *API) CheckRecordAccess(ctx context.Context, conn *db.DB, p Permission, recordID any, req *LazyParams, user *auth.User) error {
	if err := a.CheckTableLevelAccess(p, user); err != nil {
		return err
	}
	if p == PermissionCreate || p == PermissionUpdate {
		if !a.isTable {
			return ErrRequiresTable
		}
	}

	query := a.AccessQuery(p)
	if query == "" {
		return nil
	}

	params, err := a.accessParams(p, recordID, req, user)
	if err != nil {
		return err
	}
	return runAccessQuery(ctx, conn.Read(), query, params)
}

// DeferredAccessCheck returns a closure executing the same admission
// logic on a caller-provided connection. The write path runs it inside
// the mutation transaction, eliminating the window between admission and
// mutation.
func (a *API) DeferredAccessCheck(p Permission, recordID any, req *LazyParams, user *auth.User) func(ctx context.Context, q db.Queryer) error {
	return func(ctx context.Context, q db.Queryer) error {
		if err := a.CheckTableLevelAccess(p, user); err != nil {
			return err
		}
		if p == PermissionCreate || p == PermissionUpdate {
			if !a.isTable {
				return ErrRequiresTable
			}
		}

		query := a.AccessQuery(p)
		if query == "" {
			return nil
		}

		params, err := a.accessParams(p, recordID, req, user)
		if err != nil {
			return err
		}
		return runAccessQuery(ctx, q, query, params)
	}
}

// SubscriptionAccessParams binds a change event's field values plus the
// acting user into the subscription-read query. Columns absent from the
// event stay unbound and read as NULL.
func (a *API) SubscriptionAccessParams(record map[string]any, user *auth.User) db.NamedParams {
	params := make(db.NamedParams, 0, len(record)+1)
	for i := range a.columns {
		name := a.columns[i].Name
		if value, ok := record[name]; ok {
			params = params.Append(":"+name, value)
		}
	}
	if user != nil {
		params = params.Append(":__user_id", user.IDBytes())
	} else {
		params = params.Append(":__user_id", nil)
	}
	return params
}

// SubscriptionReadQuery exposes the event re-check query; empty when no
// read rule is configured (all deliveries allowed).
func (a *API) SubscriptionReadQuery() string {
	return a.subReadQuery
}

// autofillUserIDs injects the acting user's id into user-FK columns the
// request left unset.
func (a *API) autofillUserIDs(p *Params, user *auth.User) {
	if !a.autofillUserID || user == nil {
		return
	}
	present := make(map[int]struct{}, len(p.ColumnIndexes))
	for _, idx := range p.ColumnIndexes {
		present[idx] = struct{}{}
	}
	for _, idx := range a.userIDColumns {
		if _, ok := present[idx]; ok {
			continue
		}
		name := a.columns[idx].Name
		p.NamedParams = p.NamedParams.Append(":"+name, user.IDBytes())
		p.ColumnNames = append(p.ColumnNames, name)
		p.ColumnIndexes = append(p.ColumnIndexes, idx)
	}
}
