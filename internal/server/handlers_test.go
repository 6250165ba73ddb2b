package server

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/dotscan/internal/credential"
	"github.com/zombor/dotscan/internal/pipeline"
	"github.com/zombor/dotscan/internal/report"
	"github.com/zombor/dotscan/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		analyzer    *mockAnalyzer
		creds       *mockCredentials
		reports     *mockReports
		entry       *CredentialEntry
		metrics     *pipeline.Metrics
		cfg         Config
		server      *Server
		ghttpServer *ghttp.Server
	)

	do := func(req *http.Request) *http.Response {
		ghttpServer.AppendHandlers(server.ServeHTTP)
		resp, err := http.DefaultClient.Do(req)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	request := func(method, path string, body io.Reader) *http.Request {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return req
	}

	BeforeEach(func() {
		analyzer = &mockAnalyzer{result: &scanning.AnalysisResult{
			Items:   []scanning.ScannedItem{{DotCode: "DOT ABC", Confidence: scanning.ConfidenceHigh}},
			Summary: "Processed 1 of 1 images. Found 1 unique codes.",
		}}
		creds = &mockCredentials{cred: &credential.Credential{Key: "k", Source: credential.SourceProcess}}
		reports = &mockReports{files: make(map[string][]byte)}
		entry = &CredentialEntry{}
		metrics = pipeline.NewMetrics()
		cfg = Config{
			Analyzer:    analyzer,
			Credentials: creds,
			Entry:       entry,
			Reports:     reports,
			Gatherer:    metrics.Registry,
		}
	})

	JustBeforeEach(func() {
		server = NewServerWithMux(cfg, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			cfg.BasicAuth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("rejects requests without credentials", func() {
			resp := do(request("GET", "/api/credential", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})

		It("rejects the wrong password", func() {
			req := request("GET", "/api/credential", nil)
			req.SetBasicAuth("user", "wrong")
			Expect(do(req).StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts the right credentials", func() {
			req := request("GET", "/api/credential", nil)
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
			Expect(do(req).StatusCode).To(Equal(http.StatusOK))
		})

		It("leaves the health check open", func() {
			Expect(do(request("GET", "/healthz", nil)).StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("CORS preflight", func() {
		It("answers OPTIONS without auth", func() {
			cfg.BasicAuth = BasicAuth{Username: "user", Password: "pass"}
			server = NewServerWithMux(cfg, http.NewServeMux())

			resp := do(request("OPTIONS", "/api/scan", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})
	})

	Describe("GET /api/credential", func() {
		var status credentialStatus

		decode := func(resp *http.Response) {
			ExpectWithOffset(1, resp.StatusCode).To(Equal(http.StatusOK))
			ExpectWithOffset(1, json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
		}

		When("a key is configured", func() {
			It("reports where it came from without revealing it", func() {
				resp := do(request("GET", "/api/credential", nil))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).NotTo(ContainSubstring(`"k"`))
				Expect(json.Unmarshal(body, &status)).To(Succeed())
				Expect(status.Configured).To(BeTrue())
				Expect(status.Source).To(Equal("process"))
				Expect(status.EntryRequired).To(BeFalse())
			})
		})

		When("no key is configured and entry was requested", func() {
			BeforeEach(func() {
				creds.cred = nil
				entry.RequestCredential()
			})

			It("reports credential entry mode", func() {
				decode(do(request("GET", "/api/credential", nil)))
				Expect(status.Configured).To(BeFalse())
				Expect(status.EntryRequired).To(BeTrue())
			})
		})
	})

	Describe("PUT /api/credential", func() {
		BeforeEach(func() {
			creds.cred = nil
			entry.RequestCredential()
		})

		When("the key is valid", func() {
			It("saves it and leaves credential entry mode", func() {
				resp := do(request("PUT", "/api/credential", strings.NewReader(`{"key":"new-key"}`)))
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(creds.setKeys).To(Equal([]string{"new-key"}))
				Expect(entry.Required()).To(BeFalse())

				var status credentialStatus
				Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
				Expect(status.Configured).To(BeTrue())
				Expect(status.Source).To(Equal("stored"))
			})
		})

		When("the key is blank", func() {
			BeforeEach(func() {
				creds.setErr = credential.ErrEmptyCredential
			})

			It("returns bad request and stays in entry mode", func() {
				resp := do(request("PUT", "/api/credential", strings.NewReader(`{"key":"  "}`)))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp).CredentialRequired).To(BeTrue())
				Expect(entry.Required()).To(BeTrue())
			})
		})

		When("the key is a placeholder", func() {
			BeforeEach(func() {
				creds.setErr = credential.ErrPlaceholderCredential
			})

			It("returns bad request and stays in entry mode", func() {
				resp := do(request("PUT", "/api/credential", strings.NewReader(`{"key":"changeme"}`)))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp).CredentialRequired).To(BeTrue())
				Expect(entry.Required()).To(BeTrue())
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				creds.setErr = errors.New("saving credential: disk full")
			})

			It("returns internal server error", func() {
				resp := do(request("PUT", "/api/credential", strings.NewReader(`{"key":"k"}`)))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(decodeError(resp).Detail).To(ContainSubstring("disk full"))
			})
		})

		When("the body is not JSON", func() {
			It("returns bad request", func() {
				resp := do(request("PUT", "/api/credential", strings.NewReader(`key=k`)))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(creds.setKeys).To(BeEmpty())
			})
		})
	})

	Describe("DELETE /api/credential", func() {
		It("clears the stored key", func() {
			resp := do(request("DELETE", "/api/credential", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(creds.cleared).To(BeTrue())
		})

		It("reports store failures", func() {
			creds.clearErr = errors.New("clearing credential: locked")
			resp := do(request("DELETE", "/api/credential", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("POST /api/scan", func() {
		scan := func(uploads ...upload) *http.Response {
			body, contentType := multipartBody(uploads...)
			req := request("POST", "/api/scan", body)
			req.Header.Set("Content-Type", contentType)
			return do(req)
		}

		When("photos are uploaded", func() {
			It("analyzes them as one batch in upload order", func() {
				resp := scan(
					upload{filename: "a.jpg", contentType: "image/jpeg", data: []byte("a")},
					upload{filename: "b.HEIC", data: []byte("b")},
					upload{filename: "c.png", contentType: "application/octet-stream", data: []byte("c")},
				)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(analyzer.calls).To(Equal(1))
				Expect(analyzer.images).To(HaveLen(3))
				Expect(analyzer.images[0]).To(Equal(pipeline.Image{Name: "a.jpg", Data: []byte("a"), MimeType: "image/jpeg"}))
				Expect(analyzer.images[1].MimeType).To(Equal("image/heic"))
				Expect(analyzer.images[2].MimeType).To(Equal("image/png"))
			})

			It("returns the reconciled result", func() {
				resp := scan(upload{filename: "a.jpg", data: []byte("a")})
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var result scanning.AnalysisResult
				Expect(json.NewDecoder(resp.Body).Decode(&result)).To(Succeed())
				Expect(result.Items).To(HaveLen(1))
				Expect(result.Summary).To(ContainSubstring("Found 1 unique codes"))
			})
		})

		When("no photos are uploaded", func() {
			It("returns bad request without analyzing", func() {
				resp := scan()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(analyzer.calls).To(BeZero())
			})
		})

		When("the upload is too large", func() {
			BeforeEach(func() {
				cfg.MaxUploadBytes = 1024
			})

			It("returns bad request", func() {
				resp := scan(upload{filename: "a.jpg", data: bytes.Repeat([]byte("x"), 4096)})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decodeError(resp).Error).To(ContainSubstring("too large"))
				Expect(analyzer.calls).To(BeZero())
			})
		})

		DescribeTable("pipeline failures",
			func(kind pipeline.ErrorKind, status int, credentialRequired bool) {
				analyzer.err = &pipeline.Error{Kind: kind, Message: "short message", Detail: "technical detail"}

				resp := scan(upload{filename: "a.jpg", data: []byte("a")})
				Expect(resp.StatusCode).To(Equal(status))

				body := decodeError(resp)
				Expect(body.Error).To(Equal("short message"))
				Expect(body.Detail).To(Equal("technical detail"))
				Expect(body.Kind).To(Equal(string(kind)))
				Expect(body.CredentialRequired).To(Equal(credentialRequired))
			},
			Entry("credential required", pipeline.ErrorCredentialRequired, http.StatusPreconditionRequired, true),
			Entry("network", pipeline.ErrorNetwork, http.StatusServiceUnavailable, false),
			Entry("analysis failed", pipeline.ErrorAnalysisFailed, http.StatusUnprocessableEntity, false),
			Entry("no usable results", pipeline.ErrorNoUsableResults, http.StatusUnprocessableEntity, false),
		)

		When("the analyzer fails with an unclassified error", func() {
			BeforeEach(func() {
				analyzer.err = errors.New("waiting for extractions: context canceled")
			})

			It("returns internal server error", func() {
				resp := scan(upload{filename: "a.jpg", data: []byte("a")})
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	Describe("POST /api/export", func() {
		body := func() io.Reader {
			data, err := json.Marshal(exportRequest{
				Session: report.Session{Date: "2026-02-03", Location: "Dock 9", OperatorCode: "OP1"},
				Items:   []scanning.ScannedItem{{DotCode: "DOT ABC", Confidence: scanning.ConfidenceHigh}},
			})
			Expect(err).NotTo(HaveOccurred())
			return bytes.NewReader(data)
		}

		It("downloads a CSV report by default and keeps a copy", func() {
			resp := do(request("POST", "/api/export", body()))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/csv"))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal(`attachment; filename="dotscan_2026-02-03_Dock_9.csv"`))

			records, err := csv.NewReader(resp.Body).ReadAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[1][5]).To(Equal("DOT ABC"))
			Expect(reports.files).To(HaveKey("dotscan_2026-02-03_Dock_9.csv"))
		})

		It("downloads an XLSX report", func() {
			resp := do(request("POST", "/api/export?format=xlsx", body()))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring(".xlsx"))
		})

		It("rejects unknown formats", func() {
			resp := do(request("POST", "/api/export?format=pdf", body()))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects invalid bodies", func() {
			resp := do(request("POST", "/api/export", strings.NewReader("{")))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("reports", func() {
		BeforeEach(func() {
			reports.files["dotscan_2026-02-03_Dock_9.csv"] = []byte("Date\n")
		})

		It("lists kept reports", func() {
			resp := do(request("GET", "/api/reports", nil))
			var names []string
			Expect(json.NewDecoder(resp.Body).Decode(&names)).To(Succeed())
			Expect(names).To(ConsistOf("dotscan_2026-02-03_Dock_9.csv"))
		})

		It("downloads a kept report", func() {
			resp := do(request("GET", "/api/reports/dotscan_2026-02-03_Dock_9.csv", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("Date\n"))
		})

		It("returns not found for unknown reports", func() {
			Expect(do(request("GET", "/api/reports/missing.csv", nil)).StatusCode).To(Equal(http.StatusNotFound))
		})

		When("no report storage is configured", func() {
			BeforeEach(func() {
				cfg.Reports = nil
			})

			It("lists nothing", func() {
				resp := do(request("GET", "/api/reports", nil))
				var names []string
				Expect(json.NewDecoder(resp.Body).Decode(&names)).To(Succeed())
				Expect(names).To(BeEmpty())
			})
		})
	})

	Describe("GET /metrics", func() {
		It("exposes the pipeline metrics", func() {
			metrics.IncBatch("success")

			resp := do(request("GET", "/metrics", nil))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`dotscan_batches_total{result="success"} 1`))
		})
	})
})
