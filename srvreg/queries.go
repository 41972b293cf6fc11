package srvreg

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ahmadzakiakmal/milkchain/ledger"
)

// ListRolesHandler handles GET /roles
func (sr *ServiceRegistry) ListRolesHandler(_ context.Context, _ *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, sr.ledger.ListAssignments()), nil
}

// GetRoleHandler handles GET /roles/:address
func (sr *ServiceRegistry) GetRoleHandler(_ context.Context, req *Request) (*Response, error) {
	address, err := ledger.ParseAddress(req.Params["address"])
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, ledger.RoleAssignment{
		Address: address,
		Role:    sr.ledger.GetRole(address),
	}), nil
}

// ListLotsHandler handles GET /lots?status=&variant=
func (sr *ServiceRegistry) ListLotsHandler(_ context.Context, req *Request) (*Response, error) {
	query := req.QueryValues()
	var filter ledger.LotFilter
	if s := query.Get("status"); s != "" {
		status, err := ledger.ParseLotStatus(s)
		if err != nil {
			return errorResponse(err)
		}
		filter.Status = status
	}
	if v := query.Get("variant"); v != "" {
		variant, err := ledger.ParseVariant(v)
		if err != nil {
			return errorResponse(err)
		}
		filter.Variant = variant
	}
	return jsonResponse(http.StatusOK, sr.ledger.Search(filter)), nil
}

// GetLotHandler handles GET /lots/:lot
func (sr *ServiceRegistry) GetLotHandler(_ context.Context, req *Request) (*Response, error) {
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	view, err := sr.ledger.Lot(lot)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, view), nil
}

// ListStepsHandler handles GET /lots/:lot/steps
func (sr *ServiceRegistry) ListStepsHandler(_ context.Context, req *Request) (*Response, error) {
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	view, err := sr.ledger.Lot(lot)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, view.Steps), nil
}

// GetStepHandler handles GET /lots/:lot/steps/:index
func (sr *ServiceRegistry) GetStepHandler(_ context.Context, req *Request) (*Response, error) {
	lot, err := lotParam(req)
	if err != nil {
		return errorResponse(err)
	}
	index, err := strconv.Atoi(req.Params["index"])
	if err != nil {
		return errorResponse(invalidInput("invalid step index %q", req.Params["index"]))
	}
	step, err := sr.ledger.GetStep(lot, index)
	if err != nil {
		return errorResponse(err)
	}
	return jsonResponse(http.StatusOK, step), nil
}

// CompletedStepsHandler handles GET /steps/completed?lot=
func (sr *ServiceRegistry) CompletedStepsHandler(_ context.Context, req *Request) (*Response, error) {
	var lot uint64
	if s := req.QueryValues().Get("lot"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || n == 0 {
			return errorResponse(invalidInput("invalid lot number %q", s))
		}
		if _, err := sr.ledger.Lot(n); err != nil {
			return errorResponse(err)
		}
		lot = n
	}
	return jsonResponse(http.StatusOK, sr.ledger.CompletedSteps(lot)), nil
}

// TemplatesHandler handles GET /templates
func (sr *ServiceRegistry) TemplatesHandler(_ context.Context, _ *Request) (*Response, error) {
	templates := ledger.Templates()
	views := make([]ledger.TemplateView, len(templates))
	for i, t := range templates {
		views[i] = t.View()
	}
	return jsonResponse(http.StatusOK, views), nil
}
