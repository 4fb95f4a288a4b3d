/*
Copyright 2024 The Davtransfer Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package enumerate

import "encoding/xml"

// The structures below decode a DAV: multistatus PROPFIND response body.
// This is plain encoding/xml, not a third-party WebDAV library: the
// retrieval pack's only WebDAV XML code (golang.org/x/net/webdav,
// google/go-webdav) is server-side, building unexported response types
// around an abstract FileSystem — there is nothing client-facing in
// either to import. encoding/xml is the standard, idiomatic choice for
// decoding a small fixed schema like this one.

type multiStatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	DisplayName      string       `xml:"displayname"`
	ResourceType     resourceType `xml:"resourcetype"`
	ContentLength    string       `xml:"getcontentlength"`
	LastModified     string       `xml:"getlastmodified"`
	ContentType      string       `xml:"getcontenttype"`
	ETag             string       `xml:"getetag"`
	Owner            string       `xml:"owner"`
	CurrentUserPrivs privileges   `xml:"current-user-privilege-set"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

type privileges struct {
	Privilege []privilege `xml:"privilege"`
}

type privilege struct {
	// A <privilege> wraps exactly one child element naming the
	// privilege (e.g. <read/>, <write/>); InnerXML lets us recover
	// its tag name without enumerating every possible privilege.
	InnerXML []byte `xml:",innerxml"`
}
