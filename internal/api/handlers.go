package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

const MAX_PAGE_SIZE = 500

type chainStatus struct {
	Name      string          `json:"name"`
	ChainID   uint64          `json:"chainId"`
	Eid       uint32          `json:"eid"`
	Role      types.ChainRole `json:"role"`
	Connected bool            `json:"connected"`
}

type reconcileResponse struct {
	Outcome  reconciler.Outcome    `json:"outcome"`
	Transfer *types.TransferRecord `json:"transfer"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listChains(c echo.Context) error {
	names := s.registry.Names()
	statuses := make([]chainStatus, 0, len(names))
	for _, name := range names {
		endpoint, ok := s.registry.Endpoint(name)
		if !ok {
			continue
		}
		_, err := s.registry.Get(name)
		statuses = append(statuses, chainStatus{
			Name:      endpoint.Name,
			ChainID:   endpoint.ChainID,
			Eid:       endpoint.Eid,
			Role:      endpoint.Role,
			Connected: err == nil,
		})
	}
	return c.JSON(http.StatusOK, statuses)
}

// initiate accepts the transfer and returns 202 while submission continues in the background.
// With ?wait=true the call returns once the source transaction is confirmed or failed.
func (s *Server) initiate(c echo.Context) error {
	var request types.TransferRequest
	if err := c.Bind(&request); err != nil {
		return types.WrapError(types.ErrKindValidation, err, "malformed transfer request")
	}
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if wait {
		record, err := s.coordinator.Initiate(c.Request().Context(), &request)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, record)
	}
	record, err := s.coordinator.InitiateAsync(c.Request().Context(), &request)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Server) getTransfer(c echo.Context) error {
	record, err := s.coordinator.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func (s *Server) listTransfers(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return err
	}
	records, err := s.coordinator.ListTransfers(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*types.TransferRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) reconcile(c echo.Context) error {
	record, outcome, err := s.coordinator.ReconcileNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reconcileResponse{Outcome: outcome, Transfer: record})
}

func (s *Server) cancel(c echo.Context) error {
	record, err := s.coordinator.CancelReconciliation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// parseFilter reads ?status=A,B&chain=&source=&destination=&sender=&createdAfter=&createdBefore=&topLevel=&limit=&offset=
func parseFilter(c echo.Context) (db.Filter, error) {
	filter := db.Filter{
		Chain:            c.QueryParam("chain"),
		SourceChain:      c.QueryParam("source"),
		DestinationChain: c.QueryParam("destination"),
		Sender:           c.QueryParam("sender"),
		ParentID:         c.QueryParam("parentId"),
		IdempotencyKey:   c.QueryParam("idempotencyKey"),
		Limit:            100,
	}
	if statuses := c.QueryParam("status"); statuses != "" {
		for _, value := range strings.Split(statuses, ",") {
			status := types.TransferStatus(strings.ToUpper(strings.TrimSpace(value)))
			if !status.IsValid() {
				return filter, types.NewError(types.ErrKindValidation, "unknown status %q", value)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	for name, target := range map[string]**time.Time{"createdAfter": &filter.CreatedAfter, "createdBefore": &filter.CreatedBefore} {
		value := c.QueryParam(name)
		if value == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return filter, types.WrapError(types.ErrKindValidation, err, "%s must be an RFC3339 time", name)
		}
		*target = &parsed
	}
	if value := c.QueryParam("topLevel"); value != "" {
		topLevel, err := strconv.ParseBool(value)
		if err != nil {
			return filter, types.WrapError(types.ErrKindValidation, err, "invalid topLevel")
		}
		filter.TopLevel = topLevel
	}
	for name, target := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		value := c.QueryParam(name)
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return filter, types.NewError(types.ErrKindValidation, "%s must be a non-negative integer", name)
		}
		*target = parsed
	}
	if filter.Limit == 0 || filter.Limit > MAX_PAGE_SIZE {
		filter.Limit = MAX_PAGE_SIZE
	}
	return filter, nil
}
