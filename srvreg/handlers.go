package srvreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/metrics"
	"github.com/ahmadzakiakmal/milkchain/sensor"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func jsonResponse(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Internal","message":"failed to encode response"}`,
			Code:       ledger.CodeInternal,
		}
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body)}
}

// StatusFor maps a ledger result code to its HTTP status.
func StatusFor(code uint32) int {
	switch code {
	case ledger.CodeOK:
		return http.StatusOK
	case ledger.CodeMalformed, ledger.CodeInvalidAddress, ledger.CodeInvalidInput:
		return http.StatusBadRequest
	case ledger.CodeUnauthorized, ledger.CodeNotAssignedSupervisor:
		return http.StatusForbidden
	case ledger.CodeLotNotFound:
		return http.StatusNotFound
	case ledger.CodeRoleMismatch, ledger.CodeInvalidOperation:
		return http.StatusUnprocessableEntity
	case ledger.CodeStepOutOfOrder, ledger.CodeStepAlreadyStarted, ledger.CodeProcessFailed,
		ledger.CodeInvariantViolation, ledger.CodeRoleUnchanged:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) (*Response, error) {
	name, code := ledger.CodeOf(err)
	resp := jsonResponse(StatusFor(code), ErrorBody{Error: name, Message: err.Error()})
	resp.Code = code
	resp.Error = err.Error()
	return resp, err
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func decodeBody(req *Request, v interface{}, optional bool) error {
	if req.Body == "" {
		if optional {
			return nil
		}
		return invalidInput("request body is required")
	}
	dec := json.NewDecoder(strings.NewReader(req.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidInput("invalid body format: %v", err)
	}
	return nil
}

func (req *Request) call() (ledger.Call, error) {
	caller, err := req.Caller()
	if err != nil {
		return ledger.Call{}, err
	}
	return ledger.Call{Caller: caller, At: req.At()}, nil
}

func lotParam(req *Request) (uint64, error) {
	n, err := strconv.ParseUint(req.Params["lot"], 10, 64)
	if err != nil || n == 0 {
		return 0, invalidInput("invalid lot number %q", req.Params["lot"])
	}
	return n, nil
}

// stepIndex resolves an optional step index to the lot's current step.
func (sr *ServiceRegistry) stepIndex(lot uint64, index *int) (int, error) {
	if index != nil {
		return *index, nil
	}
	view, err := sr.ledger.Lot(lot)
	if err != nil {
		return 0, err
	}
	return view.CurrentStepIndex, nil
}

// stepDefinition returns the template definition at index, if any.
func (sr *ServiceRegistry) stepDefinition(lot uint64, index int) (ledger.StepDefinition, bool, error) {
	view, err := sr.ledger.Lot(lot)
	if err != nil {
		return ledger.StepDefinition{}, false, err
	}
	template, err := ledger.TemplateFor(view.Variant)
	if err != nil {
		return ledger.StepDefinition{}, false, err
	}
	def, ok := template.Step(index)
	return def, ok, nil
}

type assignRoleBody struct {
	Address ledger.Address `json:"address"`
	Role    ledger.Role    `json:"role"`
}

// AssignRoleHandler handles POST /roles
func (sr *ServiceRegistry) AssignRoleHandler(_ context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	var body assignRoleBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	if err := sr.ledger.AssignRole(call, body.Address, body.Role); err != nil {
		return errorResponse(err)
	}
	sr.logger.Info("Role assigned", "address", body.Address, "role", body.Role, "by", call.Caller)
	return jsonResponse(http.StatusOK, ledger.RoleAssignment{
		Address: ledger.Address(strings.ToLower(string(body.Address))),
		Role:    body.Role,
	}), nil
}

// RemoveRoleHandler handles DELETE /roles/:address
func (sr *ServiceRegistry) RemoveRoleHandler(_ context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	target, err := ledger.ParseAddress(req.Params["address"])
	if err != nil {
		return errorResponse(err)
	}
	if err := sr.ledger.RemoveRole(call, target); err != nil {
		return errorResponse(err)
	}
	sr.logger.Info("Role removed", "address", target, "by", call.Caller)
	return jsonResponse(http.StatusOK, ledger.RoleAssignment{Address: target, Role: ledger.RoleNone}), nil
}

type createLotsBody struct {
	Count   int            `json:"count"`
	Variant ledger.Variant `json:"variant"`
}

type createLotsResponse struct {
	LotNumbers []uint64       `json:"lot_numbers"`
	Variant    ledger.Variant `json:"variant"`
}

// CreateLotsHandler handles POST /lots
func (sr *ServiceRegistry) CreateLotsHandler(_ context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	var body createLotsBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	numbers, err := sr.ledger.CreateNewProcess(call, body.Count, body.Variant)
	if err != nil {
		return errorResponse(err)
	}
	sr.metrics.LotsCreated(body.Variant.String(), len(numbers))
	sr.logger.Info("Lots created", "count", len(numbers), "variant", body.Variant, "first", numbers[0])
	return jsonResponse(http.StatusCreated, createLotsResponse{LotNumbers: numbers, Variant: body.Variant}), nil
}

type assignSupervisorBody struct {
	StepIndex *int           `json:"step_index"`
	Address   ledger.Address `json:"address"`
}

type assignSupervisorsBody struct {
	Assignments []ledger.SupervisorAssignment `json:"assignments"`
}

type assignmentsResponse struct {
	LotNumber   uint64                        `json:"lot_number"`
	Assignments []ledger.SupervisorAssignment `json:"assignments"`
}

// AssignSupervisorHandler handles POST /lots/:lot/supervisors
func (sr *ServiceRegistry) AssignSupervisorHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body assignSupervisorBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	if body.StepIndex == nil {
		return errorResponse(invalidInput("step_index is required"))
	}
	if err := sr.ledger.AssignSupervisor(ctx, call, lot, *body.StepIndex, body.Address); err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, assignmentsResponse{
		LotNumber:   lot,
		Assignments: []ledger.SupervisorAssignment{{StepIndex: *body.StepIndex, Supervisor: body.Address.Normalize()}},
	}), nil
}

// AssignSupervisorsHandler handles POST /lots/:lot/supervisors/batch
func (sr *ServiceRegistry) AssignSupervisorsHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body assignSupervisorsBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	if err := sr.ledger.AssignSupervisors(ctx, call, lot, body.Assignments); err != nil {
		return errorResponse(err)
	}
	// echo the addresses as stored
	assigned := make([]ledger.SupervisorAssignment, len(body.Assignments))
	for i, as := range body.Assignments {
		assigned[i] = ledger.SupervisorAssignment{StepIndex: as.StepIndex, Supervisor: as.Supervisor.Normalize()}
	}
	return jsonResponse(http.StatusOK, assignmentsResponse{LotNumber: lot, Assignments: assigned}), nil
}

type completeStepBody struct {
	StepIndex *int   `json:"step_index"`
	Location  string `json:"location"`
}

type failStepBody struct {
	StepIndex *int `json:"step_index"`
}

type stepResult struct {
	LotNumber uint64          `json:"lot_number"`
	StepIndex int             `json:"step_index"`
	Verdict   *bool           `json:"verdict,omitempty"`
	Completed bool            `json:"completed"`
	Step      ledger.StepView `json:"step"`
}

func (sr *ServiceRegistry) stepResult(lot uint64, index int, verdict *bool, completed bool) (*Response, error) {
	step, err := sr.ledger.GetStep(lot, index)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, stepResult{
		LotNumber: lot,
		StepIndex: index,
		Verdict:   verdict,
		Completed: completed,
		Step:      step,
	}), nil
}

// CompleteStepHandler handles POST /lots/:lot/complete
func (sr *ServiceRegistry) CompleteStepHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body completeStepBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	index, err := sr.stepIndex(lot, body.StepIndex)
	if err != nil {
		return errorResponse(err)
	}
	if err := sr.ledger.CompleteStep(ctx, call, lot, index, body.Location); err != nil {
		return errorResponse(err)
	}
	sr.metrics.StepOutcome("supervisor", metrics.OutcomeCompleted)
	return sr.stepResult(lot, index, nil, true)
}

// FailStepHandler handles POST /lots/:lot/fail
func (sr *ServiceRegistry) FailStepHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body failStepBody
	if err := decodeBody(req, &body, true); err != nil {
		return errorResponse(err)
	}
	index, err := sr.stepIndex(lot, body.StepIndex)
	if err != nil {
		return errorResponse(err)
	}
	def, _, err := sr.stepDefinition(lot, index)
	if err != nil {
		return errorResponse(err)
	}
	if err := sr.ledger.FailStep(ctx, call, lot, index); err != nil {
		return errorResponse(err)
	}
	kind := "supervisor"
	if def.SensorGated {
		kind = "sensor"
	}
	sr.metrics.StepOutcome(kind, metrics.OutcomeFailed)
	sr.logger.Info("Lot failed", "lot", lot, "step", index, "by", call.Caller)
	return sr.stepResult(lot, index, nil, false)
}

type temperatureBody struct {
	StepIndex *int      `json:"step_index"`
	Verdict   *bool     `json:"verdict"`
	Readings  []float64 `json:"readings"`
}

// TemperatureHandler handles POST /lots/:lot/temperature. The verdict is
// either given or computed from readings with the step's rule.
func (sr *ServiceRegistry) TemperatureHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body temperatureBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	if (body.Verdict == nil) == (len(body.Readings) == 0) {
		return errorResponse(invalidInput("exactly one of verdict or readings is required"))
	}
	index, err := sr.stepIndex(lot, body.StepIndex)
	if err != nil {
		return errorResponse(err)
	}

	verdict := false
	if body.Verdict != nil {
		verdict = *body.Verdict
	} else {
		def, ok, err := sr.stepDefinition(lot, index)
		if err != nil {
			return errorResponse(err)
		}
		// the ledger rejects steps without a rule
		if ok && def.Rule != "" {
			verdict, err = sensor.Evaluate(def.Rule, body.Readings)
			if err != nil {
				return errorResponse(invalidInput("%v", err))
			}
		}
	}

	completed, err := sr.ledger.IsTemperatureOK(ctx, call, lot, index, verdict)
	if err != nil {
		return errorResponse(err)
	}
	sr.recordVerdict(verdict, completed)
	return sr.stepResult(lot, index, &verdict, completed)
}

type locationBody struct {
	StepIndex *int           `json:"step_index"`
	Verdict   *bool          `json:"verdict"`
	Location  string         `json:"location"`
	Route     []sensor.Point `json:"route"`
}

// LocationHandler handles POST /lots/:lot/location. A route is checked
// against the coordinates of the named location.
func (sr *ServiceRegistry) LocationHandler(ctx context.Context, req *Request) (*Response, error) {
	call, err := req.call()
	if err != nil {
		return errorResponse(err)
	}
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	var body locationBody
	if err := decodeBody(req, &body, false); err != nil {
		return errorResponse(err)
	}
	if (body.Verdict == nil) == (len(body.Route) == 0) {
		return errorResponse(invalidInput("exactly one of verdict or route is required"))
	}
	index, err := sr.stepIndex(lot, body.StepIndex)
	if err != nil {
		return errorResponse(err)
	}

	var verdict bool
	if body.Verdict != nil {
		verdict = *body.Verdict
	} else {
		verdict, err = sensor.RouteReaches(body.Route, strings.TrimSpace(body.Location), 0)
		if err != nil {
			return errorResponse(invalidInput("%v", err))
		}
	}

	completed, err := sr.ledger.IsLocationReasonable(ctx, call, lot, index, verdict, body.Location)
	if err != nil {
		return errorResponse(err)
	}
	sr.recordVerdict(verdict, completed)
	return sr.stepResult(lot, index, &verdict, completed)
}

// recordVerdict counts completions and negative verdicts. A positive verdict
// still waiting for the other gate of a tracked step is not counted.
func (sr *ServiceRegistry) recordVerdict(verdict, completed bool) {
	switch {
	case completed:
		sr.metrics.StepOutcome("sensor", metrics.OutcomeCompleted)
	case !verdict:
		sr.metrics.StepOutcome("sensor", metrics.OutcomeRejected)
	}
}
