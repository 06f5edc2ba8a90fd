package dsl

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

// validIdentifier allow-lists identifiers (table and column names) that may
// appear in query text. Field names additionally pass the catalog.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Capabilities describes event-store features discovered by the boot-time
// probe. NativeCIDRMatch selects isIPAddressInRange for ip_in_cidr leaves;
// without it a numeric-range fallback is emitted.
type Capabilities struct {
	NativeCIDRMatch bool
}

// Compiler translates SearchDSL documents into ClickHouse SQL. It holds no
// mutable state: compiling the same document twice yields identical output.
type Compiler struct {
	catalog *Catalog
	caps    Capabilities
}

// NewCompiler creates a compiler over the given catalog and capabilities.
func NewCompiler(catalog *Catalog, caps Capabilities) *Compiler {
	return &Compiler{catalog: catalog, caps: caps}
}

// CompileSearch compiles a search document against the named events table.
// The tenant filter is mandatory: a document without tenant_ids never
// produces SQL.
func (c *Compiler) CompileSearch(d *SearchDSL, table string) (*CompileResult, error) {
	if d == nil || d.Search == nil {
		return nil, fmt.Errorf("search section is required")
	}
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	s := d.Search
	if len(s.TenantIDs) == 0 {
		return nil, fmt.Errorf("tenant_ids must not be empty: refusing to compile an unscoped query")
	}

	res := &CompileResult{}

	tenantSQL, tenantArgs := compileTenantFilter(s.TenantIDs)

	timeSQL, timeArgs, err := compileTimeRange(s.TimeRange)
	if err != nil {
		return nil, err
	}

	whereSQL, whereArgs, err := c.compileExpr(s.Where)
	if err != nil {
		return nil, err
	}
	if whereSQL == "" {
		whereSQL = "1 = 1"
		whereArgs = nil
		res.Warnings = append(res.Warnings, "no where predicate; matching all events in the time range")
	}
	res.WhereSQL = whereSQL
	res.WhereArgs = whereArgs

	pred := fmt.Sprintf("%s AND %s AND (%s)", tenantSQL, timeSQL, whereSQL)
	predArgs := concatArgs(tenantArgs, timeArgs, whereArgs)

	// Fixed dispatch precedence: sequence > threshold > cardinality > plain.
	switch {
	case d.Sequence != nil:
		err = c.compileSequence(res, d.Sequence, table, pred, predArgs)
	case d.Threshold != nil:
		err = c.compileThreshold(res, d.Threshold, table, pred, predArgs)
	case d.Cardinality != nil:
		err = c.compileCardinality(res, d.Cardinality, table, pred, predArgs)
	default:
		res.SQL = fmt.Sprintf(
			"SELECT * FROM %s WHERE %s ORDER BY event_timestamp DESC LIMIT %d SETTINGS max_execution_time = %d",
			table, pred, PlainResultLimit, PlainExecBudgetSeconds)
		res.Args = predArgs
	}
	if err != nil {
		return nil, err
	}

	return res, nil
}

func compileTenantFilter(tenantIDs []string) (string, []interface{}) {
	placeholders := make([]string, len(tenantIDs))
	args := make([]interface{}, len(tenantIDs))
	for i, id := range tenantIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf("tenant_id IN (%s)", strings.Join(placeholders, ", ")), args
}

func compileTimeRange(tr TimeRange) (string, []interface{}, error) {
	switch {
	case tr.LastSeconds != 0:
		if tr.Start != 0 || tr.End != 0 {
			return "", nil, fmt.Errorf("time_range must set either last_seconds or start/end, not both")
		}
		if tr.LastSeconds < 0 {
			return "", nil, fmt.Errorf("last_seconds must be positive")
		}
		if tr.LastSeconds > MaxTimeRangeSeconds {
			return "", nil, fmt.Errorf("time range spans %d seconds, maximum is %d", tr.LastSeconds, MaxTimeRangeSeconds)
		}
		return "event_timestamp >= toUnixTimestamp(now()) - ?", []interface{}{tr.LastSeconds}, nil

	case tr.Start != 0 || tr.End != 0:
		if tr.Start == 0 || tr.End == 0 {
			return "", nil, fmt.Errorf("time_range between requires both start and end")
		}
		if tr.End < tr.Start {
			return "", nil, fmt.Errorf("time_range end precedes start")
		}
		if tr.End-tr.Start > MaxTimeRangeSeconds {
			return "", nil, fmt.Errorf("time range spans %d seconds, maximum is %d", tr.End-tr.Start, MaxTimeRangeSeconds)
		}
		return "event_timestamp >= ? AND event_timestamp <= ?", []interface{}{tr.Start, tr.End}, nil

	default:
		return "", nil, fmt.Errorf("time_range requires last_seconds or start/end")
	}
}

// groupByColumns resolves group-by field names to physical columns. JSON
// extracted fields are not groupable.
func (c *Compiler) groupByColumns(fields []string, section string) ([]string, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s requires a non-empty group_by", section)
	}
	cols := make([]string, len(fields))
	for i, f := range fields {
		spec, ok := c.catalog.Lookup(f)
		if !ok {
			return nil, fmt.Errorf("%s group_by field %q is not in the catalog", section, f)
		}
		if spec.JSONRoot != "" {
			return nil, fmt.Errorf("%s group_by field %q is JSON-extracted and not groupable", section, f)
		}
		if !validIdentifier.MatchString(spec.Column) {
			return nil, fmt.Errorf("%s group_by column %q is not a valid identifier", section, spec.Column)
		}
		cols[i] = spec.Column
	}
	return cols, nil
}

func (c *Compiler) compileThreshold(res *CompileResult, t *ThresholdSection, table, pred string, predArgs []interface{}) error {
	cols, err := c.groupByColumns(t.GroupBy, "threshold")
	if err != nil {
		return err
	}
	if t.CountGte < 1 {
		return fmt.Errorf("threshold count_gte must be at least 1")
	}
	if t.WindowSeconds < 0 {
		return fmt.Errorf("threshold window_seconds must not be negative")
	}

	selectCols := strings.Join(cols, ", ")
	groupCols := selectCols
	// Args follow placeholder order in the query text: the SELECT-clause
	// bucket size precedes the WHERE predicate, which precedes HAVING.
	var args []interface{}
	if t.WindowSeconds > 0 {
		selectCols += ", intDiv(event_timestamp, ?) AS bucket"
		groupCols += ", bucket"
		args = append(args, t.WindowSeconds)
	}
	args = append(args, predArgs...)
	args = append(args, t.CountGte)

	res.SQL = fmt.Sprintf(
		"SELECT %s, count() AS hits FROM %s WHERE %s GROUP BY %s HAVING hits >= ?",
		selectCols, table, pred, groupCols)
	res.Args = args
	return nil
}

func (c *Compiler) compileCardinality(res *CompileResult, card *CardinalitySection, table, pred string, predArgs []interface{}) error {
	cols, err := c.groupByColumns(card.GroupBy, "cardinality")
	if err != nil {
		return err
	}
	if card.DistinctGte < 1 {
		return fmt.Errorf("cardinality distinct_gte must be at least 1")
	}
	spec, ok := c.catalog.Lookup(card.Field)
	if !ok {
		return fmt.Errorf("cardinality field %q is not in the catalog", card.Field)
	}

	distinctRef := spec.Column
	var refArgs []interface{}
	if spec.JSONRoot != "" {
		distinctRef, refArgs = jsonExtractRef(spec.JSONRoot, spec.JSONPath)
	}

	selectCols := strings.Join(cols, ", ")
	groupCols := selectCols
	// Placeholder order in the query text: SELECT-clause bucket size, then
	// the uniqExact extraction path, then the WHERE predicate, then HAVING.
	var args []interface{}
	if card.WindowSeconds > 0 {
		selectCols += ", intDiv(event_timestamp, ?) AS bucket"
		groupCols += ", bucket"
		args = append(args, card.WindowSeconds)
	}
	args = append(args, refArgs...)
	args = append(args, predArgs...)
	args = append(args, card.DistinctGte)

	res.SQL = fmt.Sprintf(
		"SELECT %s, uniqExact(%s) AS cardinality FROM %s WHERE %s GROUP BY %s HAVING cardinality >= ?",
		selectCols, distinctRef, table, pred, groupCols)
	res.Args = args
	return nil
}

func (c *Compiler) compileSequence(res *CompileResult, seq *SequenceSection, table, pred string, predArgs []interface{}) error {
	if len(seq.Steps) < 1 || len(seq.Steps) > MaxSequenceSteps {
		return fmt.Errorf("sequence requires between 1 and %d steps, got %d", MaxSequenceSteps, len(seq.Steps))
	}
	if seq.WindowSeconds < 1 || seq.WindowSeconds > MaxSequenceWindowSeconds {
		return fmt.Errorf("sequence window_seconds must be between 1 and %d", MaxSequenceWindowSeconds)
	}
	cols, err := c.groupByColumns(seq.GroupBy, "sequence")
	if err != nil {
		return err
	}

	conds := make([]string, len(seq.Steps))
	condArgs := make([][]interface{}, len(seq.Steps))
	for i, step := range seq.Steps {
		sql, args, err := c.compileExpr(step.Where)
		if err != nil {
			return fmt.Errorf("sequence step %d: %v", i+1, err)
		}
		if sql == "" {
			return fmt.Errorf("sequence step %d has no predicate", i+1)
		}
		conds[i] = sql
		condArgs[i] = args
	}

	// Rows are pre-filtered to events matching at least one step; the funnel
	// aggregate then enforces in-order matching within the window. Step
	// fragments therefore appear twice, and their args repeat in order.
	union := make([]string, len(conds))
	funnel := make([]string, len(conds))
	for i, cond := range conds {
		union[i] = fmt.Sprintf("(%s)", cond)
		funnel[i] = cond
	}

	args := append([]interface{}{}, predArgs...)
	for _, a := range condArgs {
		args = append(args, a...)
	}
	for _, a := range condArgs {
		args = append(args, a...)
	}

	groupCols := strings.Join(cols, ", ")
	// windowFunnel's window parameter must be a literal; WindowSeconds is a
	// range-checked integer, so inlining it cannot inject.
	res.SQL = fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s AND (%s) GROUP BY %s HAVING windowFunnel(%d)(toDateTime(event_timestamp), %s) >= %d",
		groupCols, table, pred, strings.Join(union, " OR "), groupCols,
		seq.WindowSeconds, strings.Join(funnel, ", "), len(conds))
	res.Args = args
	return nil
}

// compileExpr recursively compiles a boolean expression to a predicate
// fragment. An empty fragment means "no added constraint", never
// "reject all"; And/Or drop empty sub-results and Not of an empty child
// compiles to empty, following the same rule.
func (c *Compiler) compileExpr(e *Expr) (string, []interface{}, error) {
	if e == nil {
		return "", nil, nil
	}

	switch e.Kind() {
	case KindAnd:
		return c.compileJunction(e.And, " AND ")
	case KindOr:
		return c.compileJunction(e.Or, " OR ")
	case KindNot:
		sql, args, err := c.compileExpr(e.Not)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			return "", nil, nil
		}
		return fmt.Sprintf("NOT (%s)", sql), args, nil
	case KindLeaf:
		return c.compileLeaf(e)
	default:
		return "", nil, fmt.Errorf("expression node must populate exactly one of and/or/not/field")
	}
}

func (c *Compiler) compileJunction(children []*Expr, sep string) (string, []interface{}, error) {
	var parts []string
	var args []interface{}
	for _, child := range children {
		sql, childArgs, err := c.compileExpr(child)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	for i, p := range parts {
		parts[i] = fmt.Sprintf("(%s)", p)
	}
	return strings.Join(parts, sep), args, nil
}

func (c *Compiler) compileLeaf(leaf *Expr) (string, []interface{}, error) {
	if leaf.Op == OpJSONEq {
		return compileJSONEq(leaf)
	}

	spec, ok := c.catalog.Lookup(leaf.Field)
	if !ok {
		return "", nil, fmt.Errorf("field %q is not in the catalog", leaf.Field)
	}
	if !operatorAllowed(leaf.Op, spec.Type) {
		return "", nil, fmt.Errorf("operator %q is not allowed on %s field %q", leaf.Op, spec.Type, leaf.Field)
	}

	ref := spec.Column
	var refArgs []interface{}
	isJSON := spec.JSONRoot != ""
	if isJSON {
		ref, refArgs = jsonExtractRef(spec.JSONRoot, spec.JSONPath)
	}

	one := func() (interface{}, error) {
		if len(leaf.Values) != 1 {
			return nil, fmt.Errorf("operator %q on field %q requires exactly one value", leaf.Op, leaf.Field)
		}
		return leaf.Values[0], nil
	}
	oneString := func() (string, error) {
		v, err := one()
		if err != nil {
			return "", err
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("operator %q on field %q requires a string value", leaf.Op, leaf.Field)
		}
		return s, nil
	}

	switch leaf.Op {
	case OpEq:
		v, err := one()
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s = ?", ref), concatArgs(refArgs, []interface{}{v}), nil

	case OpNe:
		v, err := one()
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s != ?", ref), concatArgs(refArgs, []interface{}{v}), nil

	case OpIn:
		return compileIn(ref, refArgs, leaf.Values, false)

	case OpNin:
		return compileIn(ref, refArgs, leaf.Values, true)

	case OpContains, OpStartswith, OpEndswith:
		s, err := oneString()
		if err != nil {
			return "", nil, err
		}
		return compileLike(ref, refArgs, leaf.Op, s)

	case OpContainsAny:
		if len(leaf.Values) == 0 {
			return "", nil, fmt.Errorf("contains_any on field %q requires at least one value", leaf.Field)
		}
		var parts []string
		var args []interface{}
		for _, v := range leaf.Values {
			s, ok := v.(string)
			if !ok {
				return "", nil, fmt.Errorf("contains_any on field %q requires string values", leaf.Field)
			}
			sql, likeArgs, err := compileLike(ref, refArgs, OpContains, s)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			args = append(args, likeArgs...)
		}
		if len(parts) == 1 {
			// Single token degenerates to a plain contains.
			return parts[0], args, nil
		}
		return fmt.Sprintf("(%s)", strings.Join(parts, " OR ")), args, nil

	case OpRegex:
		s, err := oneString()
		if err != nil {
			return "", nil, err
		}
		if err := CheckRegexSafety(s); err != nil {
			return "", nil, fmt.Errorf("field %q: %v", leaf.Field, err)
		}
		return fmt.Sprintf("match(%s, ?)", ref), concatArgs(refArgs, []interface{}{s}), nil

	case OpGt, OpGte, OpLt, OpLte:
		v, err := one()
		if err != nil {
			return "", nil, err
		}
		if !isNumeric(v) {
			return "", nil, fmt.Errorf("operator %q on field %q requires a numeric value", leaf.Op, leaf.Field)
		}
		cmp := map[Op]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[leaf.Op]
		numRef := ref
		if isJSON {
			// JSONExtractString yields strings; cast for numeric comparison.
			numRef = fmt.Sprintf("toFloat64OrZero(%s)", ref)
		}
		return fmt.Sprintf("%s %s ?", numRef, cmp), concatArgs(refArgs, []interface{}{v}), nil

	case OpBetween:
		if len(leaf.Values) != 2 {
			return "", nil, fmt.Errorf("between on field %q requires exactly two values", leaf.Field)
		}
		if !isNumeric(leaf.Values[0]) || !isNumeric(leaf.Values[1]) {
			return "", nil, fmt.Errorf("between on field %q requires numeric bounds", leaf.Field)
		}
		numRef := ref
		if isJSON {
			numRef = fmt.Sprintf("toFloat64OrZero(%s)", ref)
		}
		args := concatArgs(refArgs, []interface{}{leaf.Values[0]})
		args = concatArgs(args, refArgs, []interface{}{leaf.Values[1]})
		return fmt.Sprintf("(%s >= ? AND %s <= ?)", numRef, numRef), args, nil

	case OpIPInCIDR:
		s, err := oneString()
		if err != nil {
			return "", nil, err
		}
		return c.compileCIDR(ref, refArgs, s)

	case OpExists:
		if isJSON {
			return fmt.Sprintf("%s != ''", ref), refArgs, nil
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s != '')", ref, ref), refArgs, nil

	case OpMissing:
		if isJSON {
			return fmt.Sprintf("%s = ''", ref), refArgs, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s = '')", ref, ref), refArgs, nil

	case OpIsNull:
		if isJSON {
			return fmt.Sprintf("%s = ''", ref), refArgs, nil
		}
		return fmt.Sprintf("%s IS NULL", ref), refArgs, nil

	case OpNotNull:
		if isJSON {
			return fmt.Sprintf("%s != ''", ref), refArgs, nil
		}
		return fmt.Sprintf("%s IS NOT NULL", ref), refArgs, nil

	default:
		return "", nil, fmt.Errorf("unsupported operator %q on field %q", leaf.Op, leaf.Field)
	}
}

// compileCIDR emits the CIDR membership predicate selected by the boot-time
// capability probe: native range matching when available, a numeric IPv4
// range comparison otherwise.
func (c *Compiler) compileCIDR(ref string, refArgs []interface{}, cidr string) (string, []interface{}, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid CIDR %q: %v", cidr, err)
	}

	if c.caps.NativeCIDRMatch {
		return fmt.Sprintf("isIPAddressInRange(%s, ?)", ref), concatArgs(refArgs, []interface{}{cidr}), nil
	}

	if !prefix.Addr().Is4() {
		return "", nil, fmt.Errorf("CIDR %q: numeric-range fallback supports IPv4 only", cidr)
	}
	lo, hi := ipv4Range(prefix)
	args := concatArgs(refArgs, []interface{}{lo})
	args = concatArgs(args, refArgs, []interface{}{hi})
	return fmt.Sprintf("(IPv4StringToNumOrNull(%s) >= ? AND IPv4StringToNumOrNull(%s) <= ?)", ref, ref), args, nil
}

// ipv4Range converts a v4 prefix to its inclusive numeric bounds.
func ipv4Range(prefix netip.Prefix) (uint32, uint32) {
	addr := prefix.Masked().Addr().As4()
	base := uint32(addr[0])<<24 | uint32(addr[1])<<16 | uint32(addr[2])<<8 | uint32(addr[3])
	bits := prefix.Bits()
	size := uint32(0)
	if bits < 32 {
		size = (uint32(1) << (32 - bits)) - 1
	}
	return base, base | size
}

func compileIn(ref string, refArgs []interface{}, values []interface{}, negate bool) (string, []interface{}, error) {
	if len(values) == 0 {
		// Empty membership matches nothing; its negation adds no constraint.
		if negate {
			return "1 = 1", nil, nil
		}
		return "1 = 0", nil, nil
	}
	placeholders := make([]string, len(values))
	args := append([]interface{}{}, refArgs...)
	for i, v := range values {
		placeholders[i] = "?"
		args = append(args, v)
	}
	sql := fmt.Sprintf("%s IN (%s)", ref, strings.Join(placeholders, ", "))
	if negate {
		sql = fmt.Sprintf("NOT (%s)", sql)
	}
	return sql, args, nil
}

// compileLike builds the case-insensitive substring family. LIKE wildcards
// in the literal are escaped so user input cannot widen the match.
func compileLike(ref string, refArgs []interface{}, op Op, value string) (string, []interface{}, error) {
	escaped := escapeLikeWildcards(value)
	var pattern string
	switch op {
	case OpContains:
		pattern = "%" + escaped + "%"
	case OpStartswith:
		pattern = escaped + "%"
	case OpEndswith:
		pattern = "%" + escaped
	default:
		return "", nil, fmt.Errorf("not a LIKE operator: %q", op)
	}
	return fmt.Sprintf("lower(%s) LIKE lower(?)", ref), concatArgs(refArgs, []interface{}{pattern}), nil
}

func escapeLikeWildcards(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "%", "\\%")
	escaped = strings.ReplaceAll(escaped, "_", "\\_")
	return escaped
}

// compileJSONEq compiles a json_eq leaf. Paths root at metadata or
// raw_event; raw_event may hold non-JSON text, so its comparison is guarded
// by a validity check first. metadata is written by the ingest pipeline and
// assumed valid.
func compileJSONEq(leaf *Expr) (string, []interface{}, error) {
	root, path, ok := splitJSONPath(leaf.Field)
	if !ok {
		return "", nil, fmt.Errorf("json_eq path %q must be metadata.<path> or raw_event.<path>", leaf.Field)
	}
	if len(leaf.Values) != 1 {
		return "", nil, fmt.Errorf("json_eq on %q requires exactly one value", leaf.Field)
	}

	ref, refArgs := jsonExtractRef(root, path)
	args := concatArgs(refArgs, []interface{}{leaf.Values[0]})

	if root == "raw_event" {
		return fmt.Sprintf("if(isValidJSON(raw_event), %s = ?, 0)", ref), args, nil
	}
	return fmt.Sprintf("%s = ?", ref), args, nil
}

// splitJSONPath splits "metadata.a.b" into root and path components.
func splitJSONPath(field string) (root string, path []string, ok bool) {
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return "", nil, false
	}
	root = parts[0]
	if root != "metadata" && root != "raw_event" {
		return "", nil, false
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", nil, false
		}
	}
	return root, parts[1:], true
}

// jsonExtractRef builds a JSONExtractString reference with the path bound
// as parameters.
func jsonExtractRef(root string, path []string) (string, []interface{}) {
	placeholders := make([]string, len(path))
	args := make([]interface{}, len(path))
	for i, p := range path {
		placeholders[i] = "?"
		args[i] = p
	}
	return fmt.Sprintf("JSONExtractString(%s, %s)", root, strings.Join(placeholders, ", ")), args
}

func concatArgs(parts ...[]interface{}) []interface{} {
	var out []interface{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
