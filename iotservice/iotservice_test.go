package iotservice

import (
	"context"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const testServiceConnectionString = "HostName=hub.example.net;SharedAccessKeyName=service;SharedAccessKey=c2VjcmV0a2V5c2VjcmV0a2V5"

var _ = Describe("FileUploadNotification", func() {
	It("decodes the hub json", func() {
		n, err := ParseFileUploadNotification([]byte(`{
			"deviceId": "dev1",
			"blobUri": "https://store.blob.core.windows.net/uploads/dev1/a.txt",
			"blobName": "dev1/a.txt",
			"lastUpdatedTime": "2024-03-01T10:00:00Z",
			"blobSizeInBytes": 1024,
			"enqueuedTimeUtc": "2024-03-01T10:00:05Z"
		}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(n.DeviceID).To(Equal("dev1"))
		Expect(n.BlobURI).To(Equal("https://store.blob.core.windows.net/uploads/dev1/a.txt"))
		Expect(n.BlobName).To(Equal("dev1/a.txt"))
		Expect(n.BlobSizeInBytes).To(Equal(int64(1024)))
		Expect(n.LastUpdatedTime).To(Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
		Expect(n.EnqueuedTimeUTC).To(Equal(time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)))
	})

	DescribeTable("rejects malformed bodies",
		func(body string) {
			_, err := ParseFileUploadNotification([]byte(body))
			Expect(err).To(MatchError(ErrMalformedNotification))
		},
		Entry("not json", "blob"),
		Entry("no device", `{"blobName":"a.txt"}`),
		Entry("no blob", `{"deviceId":"dev1"}`),
	)
})

var _ = Describe("Credentials", func() {
	It("parses service connection strings", func() {
		creds, err := ParseConnectionString(testServiceConnectionString)
		Expect(err).ToNot(HaveOccurred())
		Expect(creds.HostName).To(Equal("hub.example.net"))
		Expect(creds.SharedAccessKeyName).To(Equal("service"))
	})

	It("requires a policy name and key", func() {
		_, err := ParseConnectionString("HostName=hub.example.net;SharedAccessKey=c2VjcmV0")
		Expect(err).To(HaveOccurred())
		_, err = ParseConnectionString("HostName=hub.example.net;SharedAccessKeyName=service")
		Expect(err).To(HaveOccurred())
	})

	It("signs hub scoped tokens", func() {
		creds, err := ParseConnectionString(testServiceConnectionString)
		Expect(err).ToNot(HaveOccurred())

		sas, err := creds.Token(time.Hour)
		Expect(err).ToNot(HaveOccurred())
		Expect(sas.Sr).To(Equal("hub.example.net"))
		Expect(sas.Skn).To(Equal("service"))
		Expect(sas.IsExpired(time.Now())).To(BeFalse())

		parsed, err := common.ParseSharedAccessSignature(sas.String())
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed.Sig).To(Equal(sas.Sig))
	})
})

var _ = Describe("FileNotificationReceiver", func() {
	It("refuses a malformed connection string", func() {
		_, err := NewFileNotificationReceiver("HostName=hub.example.net")
		Expect(err).To(HaveOccurred())
	})

	It("cannot receive before connecting", func() {
		r, err := NewFileNotificationReceiver(testServiceConnectionString)
		Expect(err).ToNot(HaveOccurred())

		_, err = r.Receive(context.Background())
		Expect(err).To(MatchError(ErrNotConnected))
	})

	It("closes without connecting and stays closed", func() {
		var statuses []bool
		r, err := NewFileNotificationReceiver(testServiceConnectionString,
			WithConnectionStatusHandler(func(connected bool, err error) {
				statuses = append(statuses, connected)
			}))
		Expect(err).ToNot(HaveOccurred())

		Expect(r.Close()).To(Succeed())
		Expect(r.Close()).To(Succeed())
		Expect(r.Connect(context.Background())).To(HaveOccurred())
		Expect(statuses).To(BeEmpty())
	})

	It("reports dial failures", func() {
		var statuses []bool
		r, err := NewFileNotificationReceiver(
			"HostName=127.0.0.1:1;SharedAccessKeyName=service;SharedAccessKey=c2VjcmV0",
			WithConnectionStatusHandler(func(connected bool, err error) {
				statuses = append(statuses, connected)
			}))
		Expect(err).ToNot(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(r.Connect(ctx)).To(HaveOccurred())
		Expect(statuses).To(Equal([]bool{false}))
		Expect(r.Close()).To(Succeed())
	})
})
