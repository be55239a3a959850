// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package otlpreceiver // import "github.com/lee-liao/telemetry-relay/receiver/otlpreceiver"

import (
	"errors"
	"io"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/lee-liao/telemetry-relay/consumer/consumererror"
	"github.com/lee-liao/telemetry-relay/model"
)

const (
	httpTransport = "http"

	pbContentType   = "application/x-protobuf"
	jsonContentType = "application/json"
)

func (r *Receiver) handleTraces(resp http.ResponseWriter, req *http.Request) {
	contentType := req.Header.Get("Content-Type")
	body, ok := readAndCloseBody(resp, req, contentType)
	if !ok {
		return
	}

	exportReq := &coltracepb.ExportTraceServiceRequest{}
	if err := unmarshalRequest(contentType, body, exportReq); err != nil {
		writeError(resp, contentType, err, http.StatusBadRequest)
		return
	}

	if !r.consumeHTTP(resp, req, contentType, model.FromTraceRequest(exportReq)) {
		return
	}
	writeResponse(resp, contentType, http.StatusOK, &coltracepb.ExportTraceServiceResponse{})
}

func (r *Receiver) handleMetrics(resp http.ResponseWriter, req *http.Request) {
	contentType := req.Header.Get("Content-Type")
	body, ok := readAndCloseBody(resp, req, contentType)
	if !ok {
		return
	}

	exportReq := &colmetricspb.ExportMetricsServiceRequest{}
	if err := unmarshalRequest(contentType, body, exportReq); err != nil {
		writeError(resp, contentType, err, http.StatusBadRequest)
		return
	}

	if !r.consumeHTTP(resp, req, contentType, model.FromMetricsRequest(exportReq)) {
		return
	}
	writeResponse(resp, contentType, http.StatusOK, &colmetricspb.ExportMetricsServiceResponse{})
}

// consumeHTTP hands the batch to the pipeline and writes the error response
// when it is not accepted.
func (r *Receiver) consumeHTTP(resp http.ResponseWriter, req *http.Request, contentType string, batch *model.Batch) bool {
	if batch.IsEmpty() {
		return true
	}
	count := float64(batch.RecordCount())
	if err := r.next.ConsumeBatch(req.Context(), batch); err != nil {
		r.tel.RefusedRecords.WithLabelValues(httpTransport).Add(count)
		if errors.Is(err, consumererror.ErrRefused) {
			writeError(resp, contentType, err, http.StatusTooManyRequests)
		} else {
			writeError(resp, contentType, err, http.StatusInternalServerError)
		}
		return false
	}
	r.tel.AcceptedRecords.WithLabelValues(httpTransport).Add(count)
	return true
}

func readAndCloseBody(resp http.ResponseWriter, req *http.Request, contentType string) ([]byte, bool) {
	if contentType != pbContentType && contentType != jsonContentType {
		resp.WriteHeader(http.StatusUnsupportedMediaType)
		return nil, false
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(resp, contentType, err, http.StatusBadRequest)
		return nil, false
	}
	_ = req.Body.Close()
	return body, true
}

func unmarshalRequest(contentType string, body []byte, msg proto.Message) error {
	if contentType == jsonContentType {
		return protojson.Unmarshal(body, msg)
	}
	return proto.Unmarshal(body, msg)
}

func writeResponse(resp http.ResponseWriter, contentType string, statusCode int, msg proto.Message) {
	var body []byte
	var err error
	if contentType == jsonContentType {
		body, err = protojson.Marshal(msg)
	} else {
		body, err = proto.Marshal(msg)
	}
	if err != nil {
		resp.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp.Header().Set("Content-Type", contentType)
	resp.WriteHeader(statusCode)
	_, _ = resp.Write(body)
}

// writeError renders the error as a google.rpc.Status body, the protocol
// level error shape shared with the gRPC binding.
func writeError(resp http.ResponseWriter, contentType string, err error, statusCode int) {
	st := status.New(httpCodeToGRPC(statusCode), err.Error())
	writeResponse(resp, contentType, statusCode, st.Proto())
}

func httpCodeToGRPC(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}
