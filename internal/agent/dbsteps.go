package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/wwwzy/QueryFit/internal/sqlguard"
	logx "github.com/wwwzy/QueryFit/pkg/logger"
)

const feedbackSchemaCached = "Schema is already generated (Cached)."

var errUnapproved = errors.New("refusing to execute a data manipulation statement that the user has not approved")

func (x *steps) generateSchema(ctx context.Context, s State) (State, error) {
	if s.Schema != "" {
		succeed(&s, RouteGenerateSchema, feedbackSchemaCached)
		return s, nil
	}
	sch, err := x.db.IntrospectSchema(ctx, s.Database)
	if err != nil {
		return s, err
	}
	if sch.Text == "" {
		return s, fmt.Errorf("%s has no tables", sch.Label)
	}
	s.Schema = sch.Text
	s.Database.Dialect = sch.Dialect
	succeed(&s, RouteGenerateSchema, fmt.Sprintf("%s schema generated successfully. Go to the next step.", sch.Label))
	return s, nil
}

// execute 运行已通过校验的 SQL。修改数据的语句必须已被确认，成功后重置重试计数和失败连击。
func (x *steps) execute(ctx context.Context, s State) (State, error) {
	if s.SQLQuery == "" {
		return s, errors.New("there is no SQL query to execute")
	}
	if sqlguard.IsMutation(s.SQLQuery, s.dialect()) && !s.Approved() {
		return s, errUnapproved
	}
	res, err := x.db.Execute(ctx, s.Database, s.SQLQuery)
	if err != nil {
		return s, err
	}
	s.QueryResult = res.Result
	s.Executed = true
	s.Database.Dialect = res.Dialect
	s.RetryCount = 0
	s.FailureStreak = 0
	logx.Ctx(ctx, logx.Debug()).Str("dialect", string(res.Dialect)).Int64("rows", res.Result.Len()).Msg("query executed")
	succeed(&s, RouteExecuteQuery, fmt.Sprintf("Query executed successfully on %s.", res.Label))
	return s, nil
}
