// Package httprpc implements core.ProjectRpc over HTTP/XML, the scheduler
// RPC transport left to a collaborator: each call POSTs a
// scheduler_request document to a project's master URL and decodes the
// scheduler_reply, pooling connections per master URL and retrying transient
// failures below the project's own work-fetch backoff ledger.
package httprpc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jontk/boinc-corekeeper/internal/core"
	corekeepererrors "github.com/jontk/boinc-corekeeper/pkg/errors"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
	"github.com/jontk/boinc-corekeeper/pkg/pool"
	"github.com/jontk/boinc-corekeeper/pkg/retry"
)

// schedulerRequest is the wire shape POSTed to a project's scheduler CGI.
type schedulerRequest struct {
	XMLName        xml.Name `xml:"scheduler_request"`
	RequestID      string   `xml:"request_id,attr"`
	ResourceType   int      `xml:"resource_type"`
	RequestSeconds float64  `xml:"work_req_seconds"`
	RequestInstances float64 `xml:"cpu_req_instances"`
	Piggyback      bool     `xml:"piggyback"`
}

type fileRefXML struct {
	Name      string `xml:"name"`
	SizeBytes int64  `xml:"nbytes"`
	MD5       string `xml:"md5_cksum"`
	URL       string `xml:"url"`
	Sticky    bool   `xml:"sticky"`
}

type workunitXML struct {
	AppName        string       `xml:"app_name"`
	WorkunitName   string       `xml:"workunit_name"`
	CommandLine    string       `xml:"command_line"`
	ResultName     string       `xml:"result_name"`
	ReportDeadline int64        `xml:"report_deadline"`
	FLOPSEstimate  float64      `xml:"rsc_fpops_est"`
	FLOPSBound     float64      `xml:"rsc_fpops_bound"`
	MemoryBound    int64        `xml:"rsc_memory_bound"`
	DiskBound      int64        `xml:"rsc_disk_bound"`
	InputFiles     []fileRefXML `xml:"file_ref"`
}

// schedulerReply is the wire shape a project's scheduler CGI returns.
type schedulerReply struct {
	XMLName         xml.Name      `xml:"scheduler_reply"`
	RequestID       string        `xml:"request_id,attr"`
	Workunits       []workunitXML `xml:"workunit"`
	AckResultNames  []string      `xml:"result_ack"`
	RequestDelay    float64       `xml:"request_delay"`
	NoWorkAvailable bool          `xml:"no_work_available"`
	Message         string        `xml:"message"`
}

// Client is the default core.ProjectRpc, pooling one *http.Client per
// master URL and retrying a request below the Policy it's built with.
type Client struct {
	pool   *pool.HTTPClientPool
	policy retry.Policy
	logger logging.Logger
}

// New returns a Client. clientPool and policy may be nil to take their
// package defaults.
func New(clientPool *pool.HTTPClientPool, policy retry.Policy, logger logging.Logger) *Client {
	if clientPool == nil {
		clientPool = pool.NewHTTPClientPool(nil, logger)
	}
	if policy == nil {
		policy = retry.NewExponentialPolicy()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Client{pool: clientPool, policy: policy, logger: logger}
}

// RequestWork implements core.ProjectRpc by POSTing a scheduler_request and
// decoding the scheduler_reply, retrying transient network failures per c's
// Policy. The request carries a fresh correlation ID, reused across that
// call's retries and logged if the call fails; the ID is not persisted.
func (c *Client) RequestWork(ctx context.Context, masterURL string, req core.WorkRequest) (core.WorkReply, error) {
	requestID := uuid.New().String()
	wireReq := schedulerRequest{
		RequestID:        requestID,
		ResourceType:     req.ResourceType,
		RequestSeconds:   req.RequestSeconds,
		RequestInstances: req.RequestInstances,
		Piggyback:        req.Piggyback,
	}
	body, err := xml.Marshal(wireReq)
	if err != nil {
		return core.WorkReply{}, corekeepererrors.WrapError(err)
	}

	var wireReply schedulerReply
	err = retry.Call(ctx, c.policy, func() error {
		reply, callErr := c.doRequest(ctx, masterURL, body)
		if callErr != nil {
			return callErr
		}
		wireReply = reply
		return nil
	})
	if err != nil {
		c.logger.Warn("scheduler rpc failed", "project", masterURL, "request_id", requestID, "error", err.Error())
		return core.WorkReply{}, corekeepererrors.WrapError(err)
	}

	return toWorkReply(wireReply), nil
}

func (c *Client) doRequest(ctx context.Context, masterURL string, body []byte) (schedulerReply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, masterURL, bytes.NewReader(body))
	if err != nil {
		return schedulerReply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	client := c.pool.GetClient(masterURL)
	resp, err := client.Do(httpReq)
	if err != nil {
		return schedulerReply{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return schedulerReply{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return schedulerReply{}, fmt.Errorf("scheduler %s returned status %d", masterURL, resp.StatusCode)
	}

	var reply schedulerReply
	if err := xml.Unmarshal(respBody, &reply); err != nil {
		return schedulerReply{}, corekeepererrors.NewCoreErrorWithCause(corekeepererrors.ErrorCodeSchedulerRejected, "decode scheduler reply", err)
	}
	return reply, nil
}

// toWorkReply leaves AckResults empty: the wire reply acks results by name
// (w.AckResultNames), and resolving a name to the ResultHandle its project
// assigned requires graph access this transport-only client doesn't have.
func toWorkReply(w schedulerReply) core.WorkReply {
	out := core.WorkReply{
		NoWorkAvailable: w.NoWorkAvailable,
		BackoffSeconds:  w.RequestDelay,
		Error:           w.Message,
	}
	for _, wu := range w.Workunits {
		nw := core.NewWorkunit{
			AppName:       wu.AppName,
			WorkunitName:  wu.WorkunitName,
			CommandLine:   wu.CommandLine,
			ResultName:    wu.ResultName,
			FLOPSEstimate: wu.FLOPSEstimate,
			FLOPSBound:    wu.FLOPSBound,
			MemoryBound:   wu.MemoryBound,
			DiskBound:     wu.DiskBound,
		}
		nw.ReportDeadline = unixSeconds(wu.ReportDeadline)
		for _, fr := range wu.InputFiles {
			nw.InputFiles = append(nw.InputFiles, core.NewFileRef{
				Name:      fr.Name,
				SizeBytes: fr.SizeBytes,
				MD5:       fr.MD5,
				URL:       fr.URL,
				Sticky:    fr.Sticky,
			})
		}
		out.NewWorkunits = append(out.NewWorkunits, nw)
	}
	return out
}

func unixSeconds(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var _ core.ProjectRpc = (*Client)(nil)
