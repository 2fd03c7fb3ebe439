package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"assigndoc/pkg/contract"
)

// DecodeRequests 解码一个请求文件：JSON 或 YAML，单个对象或对象数组。
// 未提供 id 的请求分配 UUID；FileID 由调用方来源填充。
func DecodeRequests(fid contract.FileID, r io.Reader) ([]contract.Request, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	js, err := yaml.YAMLToJSON(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrInvalidInput, fid, err)
	}
	var reqs []contract.Request
	if t := bytes.TrimSpace(js); len(t) > 0 && t[0] == '[' {
		err = strictDecode(js, &reqs)
	} else {
		var one contract.Request
		err = strictDecode(js, &one)
		reqs = []contract.Request{one}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrInvalidInput, fid, err)
	}
	for i := range reqs {
		reqs[i].FileID = fid
		if strings.TrimSpace(reqs[i].ID) == "" {
			reqs[i].ID = uuid.NewString()
		}
		if strings.TrimSpace(reqs[i].Title) == "" && strings.TrimSpace(reqs[i].Subject) == "" {
			return nil, fmt.Errorf("%w: %s: request %d has neither title nor subject", contract.ErrInvalidInput, fid, i)
		}
		if reqs[i].NumberOfTasks < 0 {
			return nil, fmt.Errorf("%w: %s: request %d numberOfTasks < 0", contract.ErrInvalidInput, fid, i)
		}
	}
	return reqs, nil
}

func strictDecode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// artifactBase 为同一文件中的第 i 个请求派生工件基名；单请求文件保持原名。
func artifactBase(fid contract.FileID, i, n int) contract.FileID {
	if n <= 1 {
		return fid
	}
	stem := string(contract.ArtifactFor(fid, ""))
	return contract.FileID(fmt.Sprintf("%s-%d.req", stem, i+1))
}
