package main

// stratumHandlerFunc is a session-scoped method handler. Handlers run with
// the server lock held and return the JSON-RPC result or a typed error.
type stratumHandlerFunc func(client *StratumClient, params []any) (any, error)

type stratumMethod struct {
	handler   stratumHandlerFunc
	minParams int
	maxParams int
}

func buildDispatchTable(s *stratumServer) map[string]stratumMethod {
	return map[string]stratumMethod{
		"mining.subscribe":            {s.handleSubscribe, 0, 2},
		"mining.authorize":            {s.handleAuthorize, 1, 2},
		"mining.configure":            {s.handleConfigure, 2, 2},
		"mining.submit":               {s.handleSubmit, 5, 6},
		"mining.extranonce.subscribe": {s.handleExtranonceSubscribe, 0, 0},
	}
}

func boundParams(method string, params []any, min, max int) error {
	if len(params) < min {
		return errInvalidParameter("%s expects at least %d parameters; received %d", method, min, len(params))
	}
	if len(params) > max {
		return errInvalidParameter("%s receives no more than %d parameters; got %d", method, max, len(params))
	}
	return nil
}

// dispatchLocked routes one parsed request to its handler. The caller holds
// cs and has already filtered out responses to server-initiated requests.
func (s *stratumServer) dispatchLocked(client *StratumClient, req *StratumRequest) StratumResponse {
	method, ok := s.dispatch[req.Method]
	if !ok {
		return errorReply(errStratum(rpcMethodNotFound, "Method '%s' not found", req.Method), req.ID)
	}
	if err := boundParams(req.Method, req.Params, method.minParams, method.maxParams); err != nil {
		return errorReply(err, req.ID)
	}
	result, err := method.handler(client, req.Params)
	if err != nil {
		return errorReply(err, req.ID)
	}
	return StratumResponse{ID: req.ID, Result: result, Error: nil}
}
