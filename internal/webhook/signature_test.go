package webhook

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"
)

func TestValidateSignature(testContext *testing.T) {
	body := []byte(`{"events":[],"firstEventSequence":0,"lastEventSequence":0,"entropy":"ABCDEF"}`)
	secret := "webhook-signing-key"
	valid := Sign(body, secret)

	flipped, err := base64.StdEncoding.DecodeString(valid)
	if err != nil {
		testContext.Fatalf("decode signature: %v", err)
	}
	flipped[0] ^= 0x01

	testCases := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		expected  bool
	}{
		{name: "matching", body: body, signature: valid, secret: secret, expected: true},
		{name: "surrounding whitespace", body: body, signature: " " + valid + "\n", secret: secret, expected: true},
		{name: "flipped byte", body: body, signature: base64.StdEncoding.EncodeToString(flipped), secret: secret, expected: false},
		{name: "wrong key", body: body, signature: valid, secret: "other-key", expected: false},
		{name: "modified body", body: append([]byte(" "), body...), signature: valid, secret: secret, expected: false},
		{name: "empty signature", body: body, signature: "", secret: secret, expected: false},
		{name: "empty key", body: body, signature: valid, secret: "", expected: false},
		{name: "not base64", body: body, signature: "%%%", secret: secret, expected: false},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			if got := ValidateSignature(testCase.body, testCase.signature, testCase.secret); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestValidateSignatureRejectsEveryCorruptedByte(testContext *testing.T) {
	body := []byte(`{"events":[{"resourceId":"c-1","eventCategory":"CONTACT"}],"firstEventSequence":1,"lastEventSequence":1}`)
	secret := "webhook-signing-key"
	digest, err := base64.StdEncoding.DecodeString(Sign(body, secret))
	if err != nil {
		testContext.Fatalf("decode signature: %v", err)
	}

	for index := range digest {
		for _, mask := range []byte{0x01, 0x02, 0x10, 0x80, 0x0f, 0xff} {
			corrupted := append([]byte(nil), digest...)
			corrupted[index] ^= mask
			if ValidateSignature(body, base64.StdEncoding.EncodeToString(corrupted), secret) {
				testContext.Fatalf("byte %d with mask %#x validated", index, mask)
			}
		}
	}
}

func TestValidateSignatureRejectsWrongLengthAndEncoding(testContext *testing.T) {
	body := []byte(`{"events":[],"firstEventSequence":0,"lastEventSequence":0,"entropy":"ABCDEF"}`)
	secret := "webhook-signing-key"
	valid := Sign(body, secret)
	digest, err := base64.StdEncoding.DecodeString(valid)
	if err != nil {
		testContext.Fatalf("decode signature: %v", err)
	}

	testCases := []struct {
		name      string
		signature string
	}{
		{name: "truncated by one byte", signature: base64.StdEncoding.EncodeToString(digest[:len(digest)-1])},
		{name: "truncated to half", signature: base64.StdEncoding.EncodeToString(digest[:len(digest)/2])},
		{name: "single byte", signature: base64.StdEncoding.EncodeToString(digest[:1])},
		{name: "extended by one byte", signature: base64.StdEncoding.EncodeToString(append(append([]byte(nil), digest...), 0x00))},
		{name: "doubled digest", signature: base64.StdEncoding.EncodeToString(append(append([]byte(nil), digest...), digest...))},
		{name: "hex encoded digest", signature: hex.EncodeToString(digest)},
		{name: "raw digest bytes", signature: string(digest)},
		{name: "missing padding", signature: strings.TrimRight(valid, "=")},
		{name: "trailing garbage", signature: valid + "!"},
		{name: "embedded space", signature: valid[:10] + " " + valid[10:]},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			if ValidateSignature(body, testCase.signature, secret) {
				t.Fatalf("signature %q validated", testCase.signature)
			}
		})
	}
}

func TestValidateSignatureRejectsSingleBytePayloadChange(testContext *testing.T) {
	body := []byte(`{"events":[],"firstEventSequence":0,"lastEventSequence":0,"entropy":"ABCDEF"}`)
	secret := "webhook-signing-key"
	valid := Sign(body, secret)

	for index := range body {
		changed := append([]byte(nil), body...)
		changed[index] ^= 0x01
		if ValidateSignature(changed, valid, secret) {
			testContext.Fatalf("payload changed at byte %d validated", index)
		}
	}
	if ValidateSignature(body[:len(body)-1], valid, secret) {
		testContext.Fatalf("payload missing its last byte validated")
	}
	if ValidateSignature(append(append([]byte(nil), body...), '\n'), valid, secret) {
		testContext.Fatalf("payload with a trailing newline validated")
	}
}
